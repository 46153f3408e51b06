package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/logging"
	"github.com/ChuLiYu/beaver-jobs/internal/runcontext"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <blocking|sessions>")
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(os.Getenv("LOG_LEVEL")), "text")
	m := jobmanager.New(jobmanager.WithCoreWorkers(4), jobmanager.WithLogger(logger))
	defer func() {
		m.Shutdown()
		m.AwaitTermination(5 * time.Second)
	}()

	switch mode := os.Args[1]; mode {
	case "blocking":
		if err := blockingDemo(m); err != nil {
			log.Fatalf("blocking demo failed: %v", err)
		}
	case "sessions":
		if err := sessionsDemo(m); err != nil {
			log.Fatalf("sessions demo failed: %v", err)
		}
	default:
		log.Fatalf("unknown mode %q", mode)
	}
}

// blockingDemo schedules an outer job that waits for an inner job of the
// same session. The outer job hands its permit over while it waits.
func blockingDemo(m *jobmanager.JobManager) error {
	start := time.Now()
	m.AddListener(jobmanager.JobListenerFunc(func(e jobmanager.JobEvent) {
		name := "-"
		if e.Future != nil {
			name = e.Future.Name()
		}
		fmt.Printf("  %6s  %-6s %s\n", e.Time.Sub(start).Round(time.Millisecond), name, e.Type)
	}), jobmanager.NewEventFilter().AndMatchEventType(
		types.EventScheduled, types.EventAboutToRun, types.EventBlocked,
		types.EventUnblocked, types.EventResumed, types.EventDone,
	))

	session := runcontext.StringSession("session-42")
	rc := runcontext.New().WithSession(session)
	input := jobmanager.NewInput().WithMutex(session).WithRunContext(rc)
	innerDone := m.NewBlockingCondition("inner-done", true)

	fmt.Println("✓ Scheduling outer and inner on session-42")
	fmt.Println()

	outer, err := m.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		inner, err := m.Schedule(ctx, func(ctx context.Context) (any, error) {
			time.Sleep(100 * time.Millisecond)
			innerDone.SetBlocking(false)
			return "inner result", nil
		}, input.WithName("inner"))
		if err != nil {
			return nil, err
		}
		if err := innerDone.WaitFor(ctx, "waiting-for-inner"); err != nil {
			return nil, err
		}
		return inner.AwaitDoneAndGet()
	}, input.WithName("outer"))
	if err != nil {
		return err
	}

	result, err := outer.AwaitDoneAndGet()
	if err != nil {
		return err
	}
	fmt.Printf("\n✓ outer finished with %q\n", result)
	fmt.Println("💡 Without yielding, inner could never run: outer held the session permit.")
	return nil
}

// sessionsDemo floods several sessions with jobs and checks that no two jobs
// of one session ever overlap.
func sessionsDemo(m *jobmanager.JobManager) error {
	const sessions, jobsPerSession = 5, 40

	var mu sync.Mutex
	running := make(map[string]int)
	var overlaps, completed atomic.Int64

	start := time.Now()
	for i := 0; i < jobsPerSession; i++ {
		for s := 0; s < sessions; s++ {
			key := fmt.Sprintf("session-%d", s)
			_, err := m.Schedule(context.Background(), func(ctx context.Context) (any, error) {
				mu.Lock()
				running[key]++
				if running[key] > 1 {
					overlaps.Add(1)
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				running[key]--
				mu.Unlock()
				completed.Add(1)
				return nil, nil
			}, jobmanager.NewInput().WithName(fmt.Sprintf("%s/job-%03d", key, i)).WithMutex(key))
			if err != nil {
				return err
			}
		}
	}
	fmt.Printf("✓ Scheduled %d jobs across %d sessions\n", sessions*jobsPerSession, sessions)

	for !m.AwaitDone(nil, 200*time.Millisecond) {
		waiting := len(m.Futures(jobmanager.NewFutureFilter().AndMatchState(types.StateWaitingForPermit)))
		fmt.Printf("📊 Status: Completed=%d, Waiting-for-permit=%d, Active workers=%d\n",
			completed.Load(), waiting, m.ActiveWorkers())
	}

	fmt.Printf("\n📊 Final Status (after %s):\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Completed: %d\n", completed.Load())
	fmt.Printf("  Overlaps:  %d\n", overlaps.Load())
	if overlaps.Load() > 0 {
		return errors.New("jobs of one session overlapped")
	}
	fmt.Println("\n✓ Every session ran its jobs one at a time, in submission order.")
	return nil
}
