// Command create_user seeds an account: create_user <email> <password> [role]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Emcas152/CRMv2-sub000/internal/app"
	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	"github.com/Emcas152/CRMv2-sub000/internal/config"
	"github.com/Emcas152/CRMv2-sub000/internal/db"
)

func main() {
	if len(os.Args) < 3 || len(os.Args) > 4 {
		fmt.Fprintln(os.Stderr, "usage: create_user <email> <password> [staff|admin]")
		os.Exit(2)
	}
	role := auth.RoleStaff
	if len(os.Args) == 4 {
		role = os.Args[3]
	}

	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	components, err := app.New(cfg, database, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	profile, err := components.Auth.Register(ctx, auth.RegisterInput{
		Email:    os.Args[1],
		Password: os.Args[2],
		Role:     role,
	})
	if err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}
	fmt.Printf("created %s user %s\n", profile.Role, profile.ID)
}
