package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/api"
	"github.com/hackgods/clinic-appointments/internal/booking"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/slots"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Days         int
	Patients     int
	BookingRatio float64
	ConfirmRatio float64
	CancelRatio  float64
	ReadRatio    float64
	JWTSecret    string
}

type DataPool struct {
	Patients []string
	Dates    []string
	Slots    []slots.Slot

	mu           sync.RWMutex
	appointments []bookedAppointment
}

type bookedAppointment struct {
	ID        uuid.UUID
	PatientID string
}

func (dp *DataPool) AddAppointment(a bookedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (bookedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return bookedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking      OperationMetrics
	Confirm      OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
	PatientList  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	// unavailable counts 503 store_unavailable answers to bookings
	unavailable int64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d days=%d patients=%d booking=%.2f confirm=%.2f cancel=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.Days, cfg.Patients, cfg.BookingRatio, cfg.ConfirmRatio, cfg.CancelRatio, cfg.ReadRatio)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := sim.loadDataPool(ctx)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	sim.pool = pool
	log.Printf("loaded: %d patients, %d dates, %d slots", len(pool.Patients), len(pool.Dates), len(pool.Slots))

	sim.Run()
	sim.PrintReport()

	if violations := sim.verifyCapacity(context.Background()); violations > 0 {
		log.Fatalf("capacity invariant violated in %d (date, slot) pairs", violations)
	}
	log.Println("capacity invariant holds")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Printf("base config not loaded (%v); using SIM_* settings only", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		Days:         getInt("SIM_DAYS", 5),
		Patients:     getInt("SIM_PATIENTS", 500),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.15),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.05),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		JWTSecret:    baseCfg.JWTSecret,
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 || cfg.Patients <= 0 {
		return fmt.Errorf("SIM_DAYS and SIM_PATIENTS must be > 0")
	}
	return nil
}

// loadDataPool fetches the slot catalog and invents patients and target
// dates. Few dates and many workers keep the slots contended.
func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	resp, err := s.send(ctx, http.MethodGet, "/slots", "", "", nil)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer resp.Body.Close()

	var slotsResp api.SlotListResponse
	if err := json.NewDecoder(resp.Body).Decode(&slotsResp); err != nil {
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	if len(slotsResp.Slots) == 0 {
		return nil, fmt.Errorf("no slots loaded")
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	pool := &DataPool{Slots: slotsResp.Slots}
	for i := 0; i < s.config.Patients; i++ {
		pool.Patients = append(pool.Patients, fmt.Sprintf("sim-%s-%d", strings.ToLower(faker.FirstName()), i))
	}
	tomorrow := booking.NormalizeDate(time.Now()).AddDate(0, 0, 1)
	for i := 0; i < s.config.Days; i++ {
		pool.Dates = append(pool.Dates, booking.FormatDate(tomorrow.AddDate(0, 0, i)))
	}
	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < s.config.BookingRatio+s.config.ConfirmRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case rng.Intn(2) == 0:
			s.doAvailability(ctx, rng)
		default:
			s.doPatientList(ctx, rng)
		}
	}
}

// send issues a request as the given user, with a signed token when the
// server expects one.
func (s *Simulator) send(ctx context.Context, method, path, userID, role string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		if s.config.JWTSecret != "" {
			token, err := s.sign(userID, role)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			req.Header.Set("X-User-ID", userID)
			req.Header.Set("X-User-Role", role)
		}
	}
	return s.client.Do(req)
}

func (s *Simulator) sign(userID, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		},
	})
	return token.SignedString([]byte(s.config.JWTSecret))
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	reqBody := api.CreateAppointmentRequest{
		PatientID: patientID,
		Date:      s.pool.Dates[rng.Intn(len(s.pool.Dates))],
		SlotID:    s.pool.Slots[rng.Intn(len(s.pool.Slots))].ID,
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments", patientID, "patient", reqBody)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var appt api.AppointmentResponse
			if err := json.NewDecoder(resp.Body).Decode(&appt); err == nil && appt.ID != uuid.Nil {
				s.pool.AddAppointment(bookedAppointment{ID: appt.ID, PatientID: patientID})
			}
		case http.StatusConflict:
			conflict = true
		case http.StatusServiceUnavailable:
			atomic.AddInt64(&s.unavailable, 1)
		}
	}
	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPut, "/admin/appointments/"+appt.ID.String(), "sim-dentist", "dentist",
		api.UpdateStatusRequest{Status: string(booking.StatusConfirmed)})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}
	s.metrics.Confirm.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", appt.PatientID, "patient", nil)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}
	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]

	start := time.Now()
	resp, err := s.send(ctx, http.MethodGet, "/appointments/available?date="+date, patientID, "patient", nil)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}
	s.metrics.Availability.Record(latency, success, conflict)
}

func (s *Simulator) doPatientList(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	resp, err := s.send(ctx, http.MethodGet, "/patients/"+patientID+"/appointments?limit=20", patientID, "patient", nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.PatientList.Record(latency, success, false)
}

// verifyCapacity counts active bookings per (date, slot) through the admin
// API and reports pairs above capacity.
func (s *Simulator) verifyCapacity(ctx context.Context) int {
	violations := 0
	for _, date := range s.pool.Dates {
		for _, slot := range s.pool.Slots {
			path := fmt.Sprintf("/admin/appointments?from=%s&to=%s&slotId=%d&status=pending,confirmed&limit=%d",
				date, date, slot.ID, booking.MaxPageSize)
			resp, err := s.send(ctx, http.MethodGet, path, "sim-admin", "admin", nil)
			if err != nil {
				log.Printf("verify %s slot %d: %v", date, slot.ID, err)
				continue
			}

			var list api.AppointmentListResponse
			err = json.NewDecoder(resp.Body).Decode(&list)
			resp.Body.Close()
			if err != nil {
				log.Printf("verify %s slot %d: decode: %v", date, slot.ID, err)
				continue
			}

			if n := len(list.Appointments); n > slot.Capacity {
				violations++
				log.Printf("OVERBOOKED %s slot %d: %d active > capacity %d", date, slot.ID, n, slot.Capacity)
			}
		}
	}
	return violations
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Store unavailable (503): %d\n", atomic.LoadInt64(&s.unavailable))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Patient list", &s.metrics.PatientList)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
