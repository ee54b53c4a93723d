package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/xtrntr/ticketmatch/internal/auth"
	"github.com/xtrntr/ticketmatch/internal/config"
	"github.com/xtrntr/ticketmatch/internal/db"
	"github.com/xtrntr/ticketmatch/internal/models"
	"github.com/xtrntr/ticketmatch/internal/settlement"
	"github.com/xtrntr/ticketmatch/migrations"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const demoPassword = "password123"

// Seed the database with demo traders, an event and open listings
func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := seed(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Fatal("seed failed")
	}
}

func seed(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(ctx)

	if err := migrations.Apply(ctx, database.Pool); err != nil {
		return err
	}

	// First check if we already have trades
	trades, err := database.CountTrades(ctx)
	if err != nil {
		return err
	}
	if trades > 0 {
		logger.WithField("trades", trades).Info("database already has trades, no need to seed")
		return nil
	}
	if _, err := database.GetUserByUsername(ctx, "trader1"); err == nil {
		logger.Info("demo users already exist, no need to seed")
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	openingBalance, err := cfg.OpeningBalance()
	if err != nil {
		return err
	}
	authService := auth.NewAuthService(database, auth.Config{
		Secret:         cfg.Auth.JWTSecret,
		TokenTTL:       cfg.Auth.TokenTTL,
		OpeningBalance: openingBalance,
	}, logger)

	seller, err := authService.Register(ctx, "trader1", demoPassword)
	if err != nil {
		return err
	}
	buyer, err := authService.Register(ctx, "trader2", demoPassword)
	if err != nil {
		return err
	}

	eventID, err := database.CreateEvent(ctx, "Summer Night Festival", "Riverside Arena")
	if err != nil {
		return err
	}
	occurrenceID, err := database.CreateOccurrence(ctx, eventID, time.Now().Add(30*24*time.Hour).Truncate(time.Hour))
	if err != nil {
		return err
	}

	newTicket := func(owner int64, area, seat string, price int64) (int64, error) {
		t, err := database.CreateTicket(ctx, models.Ticket{
			OwnerID:      owner,
			OccurrenceID: occurrenceID,
			SeatArea:     area,
			SeatNumber:   seat,
			Price:        decimal.NewFromInt(price),
		})
		return t.ID, err
	}

	var sellTickets []int64
	for _, seat := range []string{"A1", "A2"} {
		id, err := newTicket(seller.ID, "Floor", seat, 120)
		if err != nil {
			return err
		}
		sellTickets = append(sellTickets, id)
	}
	swapTicket, err := newTicket(seller.ID, "Balcony", "B7", 80)
	if err != nil {
		return err
	}
	if _, err := newTicket(buyer.ID, "Balcony", "C3", 60); err != nil {
		return err
	}

	sell, err := database.CreateListing(ctx, models.Listing{
		OwnerID: seller.ID,
		EventID: eventID,
		Type:    models.ListingSell,
		Content: "Two floor tickets, sold together",
	}, sellTickets)
	if err != nil {
		return err
	}
	exchange, err := database.CreateListing(ctx, models.Listing{
		OwnerID: seller.ID,
		EventID: eventID,
		Type:    models.ListingExchange,
		Content: "Balcony seat, looking for anything closer to the stage",
	}, []int64{swapTicket})
	if err != nil {
		return err
	}

	drift, err := settlement.NewEngine(database, logger, settlement.Options{}).AuditLedger(ctx)
	if err != nil {
		return err
	}
	if len(drift) > 0 {
		return fmt.Errorf("seeded balances do not match the ledger for users %v", drift)
	}

	logger.WithFields(logrus.Fields{
		"users":            []string{seller.Username, buyer.Username},
		"event_id":         eventID,
		"sell_listing":     sell.ID,
		"exchange_listing": exchange.ID,
	}).Info("successfully seeded the database")
	return nil
}
