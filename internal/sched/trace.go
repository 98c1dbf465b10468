package sched

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

type csvTrace struct {
	w      *csv.Writer
	closer io.Closer
}

func (c *csvTrace) write(ev Event) {
	c.w.Write([]string{
		ev.Time.Format(time.RFC3339Nano),
		strconv.FormatInt(int64(ev.Tick), 10),
		ev.Kind.String(),
		strconv.FormatUint(uint64(ev.Task), 10),
		ev.Name,
		ev.State.String(),
		strconv.FormatInt(int64(ev.Wake), 10),
	})
	c.w.Flush()
}

func (c *csvTrace) close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Start or Advance.
func (s *Scheduler) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	if err := s.TraceTo(f); err != nil {
		f.Close()
		return err
	}
	s.mu.Lock()
	s.trace.closer = f
	s.mu.Unlock()
	return nil
}

// TraceTo writes a CSV header and then one row per event to w.
func (s *Scheduler) TraceTo(w io.Writer) error {
	cw := csv.NewWriter(w)

	// write header
	cw.Write([]string{"timestamp", "tick", "event", "task_id", "task", "state", "wake"})
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write trace header: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = &csvTrace{w: cw}
	return nil
}
