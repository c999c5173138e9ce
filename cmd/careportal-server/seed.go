package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careportal/careportal/internal/config"
	"github.com/careportal/careportal/internal/domain/scheduling"
	"github.com/careportal/careportal/internal/platform/db"
)

// seedOptions sizes a demo data set.
type seedOptions struct {
	Providers int
	Days      int
	Bookings  int
	Seed      uint64
}

type seedReport struct {
	Providers []string
	Slots     int
	Booked    int
}

func seedCmd() *cobra.Command {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the database with demo providers, slots and bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(true)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := scheduling.NewService(scheduling.NewRepoPG(pool),
				scheduling.WithLocation(loc),
				scheduling.WithSlotLength(cfg.SlotLength),
				scheduling.WithLogger(logger),
			)
			if opts.Seed == 0 {
				opts.Seed = uint64(time.Now().UnixNano())
			}
			report, err := seed(ctx, svc, opts, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d provider(s), %d slot(s), %d booking(s).\n", len(report.Providers), report.Slots, report.Booked)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Providers, "providers", 5, "number of providers")
	cmd.Flags().IntVar(&opts.Days, "days", 7, "days of slots to publish, starting tomorrow")
	cmd.Flags().IntVar(&opts.Bookings, "bookings", 10, "number of bookings to attempt")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "random seed; 0 picks one from the clock")
	return cmd
}

var (
	seedHours   = []string{"09:00", "10:00", "11:00", "14:00", "15:00", "16:00"}
	seedReasons = []string{"Follow-up", "Annual check-up", "Lab results review", "Prescription renewal", "New symptoms"}
)

// seed publishes slots for fresh providers and books some of them for fake
// patients. Bookings that lose to an earlier one are skipped.
func seed(ctx context.Context, svc *scheduling.Service, opts seedOptions, logger zerolog.Logger) (seedReport, error) {
	var report seedReport
	if opts.Providers <= 0 || opts.Days <= 0 {
		return report, fmt.Errorf("providers and days must be positive")
	}
	faker := gofakeit.New(opts.Seed)
	today, _ := svc.Today()

	type slotRef struct {
		provider string
		date     scheduling.Date
		time     string
	}
	var open []slotRef

	for i := 0; i < opts.Providers; i++ {
		provider := "dr-" + faker.UUID()[:8]
		report.Providers = append(report.Providers, provider)
		for d := 1; d <= opts.Days; d++ {
			date := today.AddDays(d)
			n := faker.Number(2, len(seedHours))
			times := seedHours[:n]
			slots, err := svc.PublishSlots(ctx, provider, date, times)
			if err != nil {
				return report, fmt.Errorf("publish %s %s: %w", provider, date, err)
			}
			report.Slots += len(slots)
			for _, t := range times {
				open = append(open, slotRef{provider: provider, date: date, time: t})
			}
		}
		logger.Debug().Str("provider_id", provider).Msg("seeded provider")
	}

	for i := 0; i < opts.Bookings && len(open) > 0; i++ {
		pick := faker.Number(0, len(open)-1)
		ref := open[pick]
		open = append(open[:pick], open[pick+1:]...)

		res, err := svc.Book(ctx, scheduling.BookingRequest{
			ProviderID: ref.provider,
			Date:       ref.date,
			Time:       ref.time,
			Patient: scheduling.PatientInfo{
				ID:    "pt-" + faker.UUID()[:8],
				Name:  faker.Name(),
				Email: faker.Email(),
				Phone: faker.Phone(),
			},
			Notes: seedReasons[faker.Number(0, len(seedReasons)-1)],
		})
		if err != nil {
			return report, fmt.Errorf("book %s %s %s: %w", ref.provider, ref.date, ref.time, err)
		}
		if res.Success {
			report.Booked++
		}
	}
	return report, nil
}
