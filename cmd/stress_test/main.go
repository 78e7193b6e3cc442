package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/messaging"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/logger"
	"github.com/rl1809/stock-ledger/internal/port"
)

var (
	initialStock  = flag.Int("stock", 20, "units supplied before the sales start")
	supplyLots    = flag.Int("lots", 4, "number of supply lots the stock is split into")
	totalRequests = flag.Int("requests", 50, "concurrent single-unit sale requests")
	workerCount   = flag.Int("workers", 8, "processor workers per topic")
	timeout       = flag.Duration("timeout", time.Minute, "time to wait for every order to complete")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stress test: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: "warn", Format: "console", Output: "stderr"})
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	if err := storage.EnsureSchema(ctx, db); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	productID := "stress-" + uuid.NewString()[:8]
	if err := storage.SeedProduct(ctx, db, productID, "stress product"); err != nil {
		return err
	}

	ledger := storage.NewMySQLAdapter(db)
	bus := messaging.NewMemoryBus(*totalRequests+*supplyLots+16, cfg.Kafka.MaxRedeliveries, log)
	defer bus.Close()

	procCfg := service.DefaultProcessorConfig()
	procCfg.Lock = port.LockOptions{
		Lease:         cfg.Processor.LockLease,
		MaxWait:       cfg.Processor.LockWait,
		RetryInterval: 10 * time.Millisecond,
	}
	processor := service.NewProcessor(ledger, storage.NewRedisLocker(rdb), bus, procCfg, log)
	commands := handler.NewCommandHandler(processor, log)
	admission := service.NewAdmissionService(ledger, storage.NewRedisAdapter(rdb), bus, log)

	// Outcome counters
	var succeeded, failed atomic.Int32
	var supplied atomic.Int32
	go bus.Subscribe(ctx, domain.TopicOrderOutcome, func(ctx context.Context, env domain.Envelope) error {
		var out domain.OrderOutcome
		if err := json.Unmarshal(env.Payload, &out); err != nil {
			return nil
		}
		switch {
		case out.Type == domain.OrderTypeSupply:
			supplied.Add(1)
		case out.Status == domain.OrderStatusSucceeded:
			succeeded.Add(1)
		default:
			failed.Add(1)
		}
		return nil
	})

	for _, topic := range commands.Topics() {
		for i := 0; i < *workerCount; i++ {
			go bus.Subscribe(ctx, topic, commands.Handle)
		}
	}

	// Supply lots dated in the past so every sale may draw from them
	base := time.Now().UTC().AddDate(0, 0, -*supplyLots-1)
	perLot := *initialStock / *supplyLots
	for i := 0; i < *supplyLots; i++ {
		qty := perLot
		if i == *supplyLots-1 {
			qty = *initialStock - perLot*(*supplyLots-1)
		}
		_, err := admission.AdmitSupply(ctx, service.AdmitRequest{
			RequestID: uuid.NewString(),
			ProductID: productID,
			Quantity:  qty,
			Price:     decimal.NewFromInt(int64(10 + i)),
			Date:      base.AddDate(0, 0, i),
		})
		if err != nil {
			return fmt.Errorf("admit supply: %w", err)
		}
	}
	if err := waitFor(ctx, *timeout, func() bool { return int(supplied.Load()) == *supplyLots }); err != nil {
		return fmt.Errorf("waiting for supply: %w", err)
	}

	// Spawn concurrent sale requests
	var wg sync.WaitGroup
	var rejected atomic.Int32
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := admission.AdmitSale(ctx, service.AdmitRequest{
				RequestID: uuid.NewString(),
				ProductID: productID,
				Quantity:  1,
				Price:     decimal.NewFromInt(25),
				Date:      time.Now().UTC(),
			})
			if err != nil {
				log.Warn("sale not admitted", zap.Error(err))
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	admitted := int32(*totalRequests) - rejected.Load()
	err = waitFor(ctx, *timeout, func() bool { return succeeded.Load()+failed.Load() == admitted })
	elapsed := time.Since(start)

	var remainingLots, total int
	if qerr := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(remaining_quantity), 0) FROM supply_lots WHERE product_id = ?`, productID,
	).Scan(&remainingLots); qerr != nil {
		return qerr
	}
	if qerr := db.QueryRowContext(ctx,
		`SELECT total_quantity FROM products WHERE id = ?`, productID,
	).Scan(&total); qerr != nil {
		return qerr
	}

	success, fail := int(succeeded.Load()), int(failed.Load())
	expectedSuccess := min(*initialStock, int(admitted))

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product:          %s\n", productID)
	fmt.Printf("Initial Stock:    %d in %d lots\n", *initialStock, *supplyLots)
	fmt.Printf("Total Requests:   %d (%d admitted)\n", *totalRequests, admitted)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Printf("Remaining Lots:   %d\n", remainingLots)
	fmt.Printf("Product Total:    %d\n", total)
	fmt.Println("==========================================")

	if err != nil {
		return fmt.Errorf("orders still pending: %w", err)
	}

	pass := true
	if success != expectedSuccess || fail != int(admitted)-expectedSuccess {
		fmt.Printf("FAIL: Expected %d success/%d fail, got %d/%d\n",
			expectedSuccess, int(admitted)-expectedSuccess, success, fail)
		pass = false
	} else {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d failed\n", success, fail)
	}

	want := *initialStock - expectedSuccess
	if remainingLots != want || total != want {
		fmt.Printf("FAIL: Expected %d units left, lots hold %d, product total %d\n", want, remainingLots, total)
		pass = false
	} else {
		fmt.Printf("PASS: Lots and product total agree at %d\n", want)
	}

	if !pass {
		return fmt.Errorf("ledger invariants violated")
	}
	return nil
}

func waitFor(ctx context.Context, limit time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
