package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "librusbot/pkg/logx"
)

var errFileClosed = errors.New("storage: deliveries file closed")

// fileStore appends one JSON object per line to <prefix>.deliveries.jsonl.
type fileStore struct {
	path string
	log  logx.Logger

	mu  sync.Mutex
	out *os.File
	enc *json.Encoder
}

// deliveriesFile maps "state/bot.json" to "state/bot.deliveries.jsonl".
func deliveriesFile(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".deliveries.jsonl"
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: file driver needs a path")
	}
	path := deliveriesFile(filepath.Clean(strings.TrimSpace(cfg.Path)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", path))
	return &fileStore{path: path, log: log, out: out, enc: json.NewEncoder(out)}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out, s.enc = nil, nil
	return err
}

func (s *fileStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return errFileClosed
	}
	return s.enc.Encode(r)
}

// Recent scans the whole file and keeps the tail. The file only grows by one
// line per delivery, so a full scan is fine at this volume.
func (s *fileStore) Recent(_ context.Context, n int) ([]DeliveryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var (
		tail = make([]DeliveryRecord, n)
		seen int
	)
	sc := bufio.NewScanner(in)
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var r DeliveryRecord
		if err := json.Unmarshal(b, &r); err != nil {
			// torn write from a crash
			s.log.Debug("skipping malformed delivery line", logx.Err(err))
			continue
		}
		tail[seen%n] = r
		seen++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if seen <= n {
		return tail[:seen], nil
	}
	start := seen % n
	return append(tail[start:], tail[:start]...), nil
}
