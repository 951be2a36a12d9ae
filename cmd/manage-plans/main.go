// Command manage-plans seeds and lists the billing plan catalog.
//
// Provider price ids for the seeded plans come from PRICE_<PLAN_ID>, e.g.
// PRICE_CREATOR_MONTHLY=price_123. Unset variables leave an existing price id untouched.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

type planStore interface {
	ListPlans(ctx context.Context) ([]models.BillingPlan, error)
	UpsertPlan(ctx context.Context, p *models.BillingPlan) error
	SetPlanActive(ctx context.Context, id string, active bool) error
}

type defaultPlan struct {
	tier, name, desc string
	cents            int64
	cycle            string
}

var defaultPlans = []defaultPlan{
	{"creator", "Creator", "For creators getting started", 3999, "monthly"},
	{"creator", "Creator", "For creators getting started", 39999, "yearly"},
	{"influencer", "Influencer", "Viral predictor and advanced analytics", 5999, "monthly"},
	{"influencer", "Influencer", "Viral predictor and advanced analytics", 59999, "yearly"},
	{"superstar", "Superstar", "Everything, unlimited platforms and storyboard", 9999, "monthly"},
	{"superstar", "Superstar", "Everything, unlimited platforms and storyboard", 99999, "yearly"},
}

func (p defaultPlan) id() string { return p.tier + "_" + p.cycle }

func main() {
	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := run(context.Background(), os.Args[1:], store.New(db), os.Getenv, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, st planStore, getenv func(string) string, out io.Writer) error {
	fs := flag.NewFlagSet("manage-plans", flag.ContinueOnError)
	seed := fs.Bool("seed", false, "Upsert the default plan catalog")
	deactivate := fs.String("deactivate", "", "Hide a plan from the pricing page")
	activate := fs.String("activate", "", "Show a hidden plan again")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *seed {
		for _, dp := range defaultPlans {
			p := &models.BillingPlan{
				ID:           dp.id(),
				Tier:         dp.tier,
				Name:         dp.name,
				Description:  &dp.desc,
				PriceCents:   dp.cents,
				Currency:     "usd",
				BillingCycle: dp.cycle,
				IsActive:     true,
			}
			if price := strings.TrimSpace(getenv("PRICE_" + strings.ToUpper(p.ID))); price != "" {
				p.StripePriceID = &price
			}
			if err := st.UpsertPlan(ctx, p); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("plan %s: price id already used by another plan", p.ID)
				}
				return fmt.Errorf("plan %s: %w", p.ID, err)
			}
			log.Printf("Upserted %s plan", p.ID)
		}
	}

	for id, active := range map[string]bool{*deactivate: false, *activate: true} {
		if id == "" {
			continue
		}
		if err := st.SetPlanActive(ctx, id, active); err != nil {
			return fmt.Errorf("plan %s: %w", id, err)
		}
	}

	plans, err := st.ListPlans(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d plans:\n", len(plans))
	for _, p := range plans {
		price := "-"
		if p.StripePriceID != nil {
			price = *p.StripePriceID
		}
		state := "active"
		if !p.IsActive {
			state = "hidden"
		}
		fmt.Fprintf(out, "- %s: %s ($%d.%02d/%s) price=%s %s\n", p.ID, p.Name, p.PriceCents/100, p.PriceCents%100, p.BillingCycle, price, state)
	}
	return nil
}
