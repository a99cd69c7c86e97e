// Seeds the Lagos corridor terminals and a demo fleet for development.
package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/brtlive/brtlive_core/internal/db"
	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	pool, err := db.GetDB()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	st := store.NewPostgresStore(pool)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()

	terminals := []models.Terminal{
		{ID: "TRM001", Name: "CMS Terminal", Latitude: 6.4541, Longitude: 3.3947, RadiusM: 100, Capacity: 20, CreatedAt: now},
		{ID: "TRM002", Name: "Ikorodu Terminal", Latitude: 6.6194, Longitude: 3.5105, RadiusM: 100, Capacity: 15, CreatedAt: now},
		{ID: "TRM003", Name: "Oshodi Terminal", Latitude: 6.5539, Longitude: 3.3432, RadiusM: 150, Capacity: 25, CreatedAt: now},
	}
	for _, term := range terminals {
		cp := term
		if err := st.CreateTerminal(ctx, &cp); err != nil {
			log.Printf("terminal %s: %v", term.ID, err)
			continue
		}
		log.Printf("✓ terminal %s (%s)", term.ID, term.Name)
	}

	buses := []models.Bus{
		{ID: "BRT-001", PlateNumber: "LAG-101-BR", DriverName: "Adewale Johnson", DriverPhone: "+2348011111111", Capacity: 50},
		{ID: "BRT-002", PlateNumber: "LAG-102-BR", DriverName: "Chidi Okonkwo", DriverPhone: "+2348022222222", Capacity: 50},
		{ID: "BRT-003", PlateNumber: "LAG-103-BR", DriverName: "Funmi Adeyemi", DriverPhone: "+2348033333333", Capacity: 42},
		{ID: "BRT-004", PlateNumber: "LAG-104-BR", DriverName: "Ibrahim Musa", DriverPhone: "+2348044444444", Capacity: 42},
	}
	for _, bus := range buses {
		cp := bus
		cp.IsActive = true
		cp.Status = models.StatusInTransit
		cp.CreatedAt = now
		if err := st.CreateBus(ctx, &cp); err != nil {
			log.Printf("bus %s: %v", bus.ID, err)
			continue
		}
		log.Printf("✓ bus %s (%s)", bus.ID, bus.PlateNumber)
	}

	log.Println("Seeding complete")
}
