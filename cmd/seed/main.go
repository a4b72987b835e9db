package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/clinic-appointments/internal/app"
	"github.com/hackgods/clinic-appointments/internal/booking"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/logging"
)

var blockReasons = []string{
	"Public holiday",
	"Faculty examinations",
	"Clinic maintenance",
	"Staff training day",
	"Sterilisation equipment service",
}

type seedConfig struct {
	Days         int
	BlockedDays  int
	Patients     int
	Bookings     int
	ConfirmRatio int // percent
	CancelRatio  int // percent
	Seed         uint64
}

// seed fills the store through the booking service, so seeded data obeys the
// same capacity and blocklist rules as real traffic.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	sc := seedConfig{
		Days:         getInt("SEED_DAYS", 30),
		BlockedDays:  getInt("SEED_BLOCKED_DAYS", 3),
		Patients:     getInt("SEED_PATIENTS", 200),
		Bookings:     getInt("SEED_BOOKINGS", 150),
		ConfirmRatio: getInt("SEED_CONFIRM_PERCENT", 40),
		CancelRatio:  getInt("SEED_CANCEL_PERCENT", 10),
		Seed:         uint64(getInt("SEED_RANDOM", int(time.Now().UnixNano()%1_000_000))),
	}
	if sc.Days < 1 || sc.Patients < 1 {
		log.Fatal("SEED_DAYS and SEED_PATIENTS must be positive")
	}

	logger := logging.New(cfg.LogLevel).With("service", "seed")
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer a.Close()

	faker := gofakeit.New(sc.Seed)
	admin := booking.Actor{ID: "seed-admin", Role: booking.RoleAdmin}
	today := booking.NormalizeDate(time.Now().In(cfg.Location()))

	if err := seedBlockedDates(ctx, a.Service, faker, admin, today, sc); err != nil {
		log.Fatalf("seed blocked dates: %v", err)
	}
	if err := seedBookings(ctx, a.Service, faker, admin, today, sc); err != nil {
		log.Fatalf("seed bookings: %v", err)
	}

	log.Println("seed complete")
}

func seedBlockedDates(ctx context.Context, svc *booking.Service, faker *gofakeit.Faker, admin booking.Actor, today time.Time, sc seedConfig) error {
	log.Printf("blocking %d dates", sc.BlockedDays)

	for i := 0; i < sc.BlockedDays; i++ {
		date := today.AddDate(0, 0, faker.Number(1, sc.Days))
		if _, err := svc.BlockDate(ctx, admin, date, faker.RandomString(blockReasons)); err != nil {
			return err
		}
	}
	return nil
}

func seedBookings(ctx context.Context, svc *booking.Service, faker *gofakeit.Faker, admin booking.Actor, today time.Time, sc seedConfig) error {
	log.Printf("creating up to %d bookings for %d patients", sc.Bookings, sc.Patients)

	patients := make([]string, sc.Patients)
	for i := range patients {
		patients[i] = "pat-" + faker.Username()
	}
	slotList := svc.Catalog().List()

	var created, rejected int
	for i := 0; i < sc.Bookings; i++ {
		patientID := patients[faker.Number(0, len(patients)-1)]
		req := booking.CreateRequest{
			PatientID: patientID,
			Date:      today.AddDate(0, 0, faker.Number(0, sc.Days)),
			SlotID:    slotList[faker.Number(0, len(slotList)-1)].ID,
		}

		b, err := svc.CreateBooking(ctx, admin, req)
		switch {
		case errors.Is(err, booking.ErrSlotFull),
			errors.Is(err, booking.ErrDateBlocked),
			errors.Is(err, booking.ErrPatientAlreadyBooked),
			errors.Is(err, booking.ErrInvalidDate):
			rejected++
			continue
		case err != nil:
			return err
		}
		created++

		roll := faker.Number(1, 100)
		var next booking.Status
		switch {
		case roll <= sc.ConfirmRatio:
			next = booking.StatusConfirmed
		case roll <= sc.ConfirmRatio+sc.CancelRatio:
			next = booking.StatusCancelled
		case roll <= sc.ConfirmRatio+sc.CancelRatio+5:
			next = booking.StatusDeclined
		default:
			continue
		}
		if _, err := svc.SetBookingStatus(ctx, admin, b.ID, next); err != nil {
			return err
		}
	}

	log.Printf("bookings seeded: created=%d rejected=%d", created, rejected)
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
