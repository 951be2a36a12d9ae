package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/PortNumber53/pegasus/internal/store/storetest"
)

func TestRun_SeedAndList(t *testing.T) {
	mem := storetest.New()
	getenv := func(k string) string {
		if k == "PRICE_CREATOR_MONTHLY" {
			return "price_creator_m"
		}
		return ""
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-seed"}, mem, getenv, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "6 plans:") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if !strings.Contains(out.String(), "- creator_monthly: Creator ($39.99/monthly) price=price_creator_m active") {
		t.Fatalf("missing creator line in %q", out.String())
	}

	p, err := mem.PlanByPriceID(context.Background(), "price_creator_m")
	if err != nil || p.ID != "creator_monthly" {
		t.Fatalf("expected catalog lookup by price id, got %+v err=%v", p, err)
	}
}

func TestRun_Deactivate(t *testing.T) {
	mem := storetest.New()
	noenv := func(string) string { return "" }
	if err := run(context.Background(), []string{"-seed"}, mem, noenv, &bytes.Buffer{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-deactivate", "superstar_yearly"}, mem, noenv, &out); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !strings.Contains(out.String(), "superstar_yearly: Superstar ($999.99/yearly) price=- hidden") {
		t.Fatalf("expected hidden plan in %q", out.String())
	}
	active, _ := mem.ListActivePlans(context.Background())
	if len(active) != 5 {
		t.Fatalf("expected 5 active plans, got %d", len(active))
	}

	if err := run(context.Background(), []string{"-deactivate", "nope"}, mem, noenv, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown plan")
	}
}
