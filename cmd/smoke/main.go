// Command smoke walks a running gatehouse API through the visitor, gate-pass
// and booking flows. The server must have dev tokens enabled.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/client"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
	"gatehouse.org/internal/ids"
	"gatehouse.org/internal/obs"
)

func main() {
	addr := flag.String("addr", envOr("GATEHOUSE_API_URL", "http://localhost:8080"), "API base URL")
	timeout := flag.Duration("timeout", 15*time.Second, "overall deadline")
	flag.Parse()

	logger, err := obs.NewLogger("info", "console", "gatehouse-smoke")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Sugar()

	c, err := client.New(*addr)
	if err != nil {
		log.Fatalw("client", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// A fresh society per run keeps repeated runs independent.
	society := "smoke-" + ids.New()
	as := func(a auth.Actor) *client.Client {
		a.SocietyID = society
		token, err := c.DevToken(ctx, a)
		if err != nil {
			log.Fatalw("dev token", "actor", a.ID, zap.Error(err))
		}
		return c.As(token)
	}
	guard := as(auth.Actor{ID: "guard-1", Role: auth.RoleGatekeeper})
	rahul := as(auth.Actor{ID: "rahul", Role: auth.RoleResident, UnitID: "A-101"})
	admin := as(auth.Actor{ID: "admin-1", Role: auth.RoleAdmin})

	steps := []struct {
		name string
		run  func() error
	}{
		{"visitor walkthrough", func() error { return visitorFlow(ctx, guard, rahul) }},
		{"gate pass", func() error { return passFlow(ctx, guard, rahul) }},
		{"hall booking", func() error { return bookingFlow(ctx, admin, rahul) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			log.Fatalw("smoke step failed", "step", s.name, zap.Error(err))
		}
		log.Infow("smoke step passed", "step", s.name)
	}
	fmt.Printf("gatehouse smoke test passed: society=%s\n", society)
}

func visitorFlow(ctx context.Context, guard, resident *client.Client) error {
	entry, err := guard.CreateVisitor(ctx, admission.NewEntry{VisitorName: "Courier", Purpose: "delivery", UnitID: "A-101"})
	if err != nil {
		return err
	}
	for _, step := range []struct {
		c    *client.Client
		name string
	}{{resident, "approve"}, {guard, "enter"}, {guard, "exit"}} {
		if _, err := step.c.VisitorStep(ctx, entry.ID, step.name); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	if _, err := guard.VisitorStep(ctx, entry.ID, "enter"); !errors.Is(err, admission.ErrInvalidTransition) {
		return fmt.Errorf("re-entry after exit: expected invalid transition, got %v", err)
	}
	return nil
}

func passFlow(ctx context.Context, guard, resident *client.Client) error {
	pass, err := resident.IssuePass(ctx, gatepass.IssueRequest{VisitorName: "Asha", ValidityHours: 1})
	if err != nil {
		return err
	}
	red, err := guard.RedeemPass(ctx, pass.Token)
	if err != nil {
		return err
	}
	if red.Entry.Status != admission.StatusApproved {
		return fmt.Errorf("redeemed entry is %s", red.Entry.Status)
	}
	if _, err := guard.RedeemPass(ctx, pass.Token); !errors.Is(err, gatepass.ErrAlreadyUsed) {
		return fmt.Errorf("second redeem: expected already used, got %v", err)
	}
	return nil
}

func bookingFlow(ctx context.Context, admin, resident *client.Client) error {
	hall, err := admin.CreateFacility(ctx, facility.NewFacility{Name: "Hall-1"})
	if err != nil {
		return err
	}
	date := time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02")
	first, err := resident.Book(ctx, facility.BookRequest{FacilityID: hall.ID, Date: date, Start: "09:00", End: "11:00"})
	if err != nil {
		return err
	}
	if _, err := resident.Book(ctx, facility.BookRequest{FacilityID: hall.ID, Date: date, Start: "09:30", End: "10:00"}); !errors.Is(err, facility.ErrConflict) {
		return fmt.Errorf("overlapping booking: expected conflict with %s, got %v", first.ID, err)
	}
	if _, err := resident.Book(ctx, facility.BookRequest{FacilityID: hall.ID, Date: date, Start: "11:00", End: "12:00"}); err != nil {
		return fmt.Errorf("adjacent booking: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
