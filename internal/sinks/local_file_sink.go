// Package sinks implements the pipeline's output destinations: each
// worker's primary bzip2 CSV file and the optional secondary Kafka
// egress, guarded by an async producer with a circuit breaker and
// SASL/SCRAM auth.
package sinks

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"cdn-log-anonymizer/pkg/compression"
	"cdn-log-anonymizer/pkg/types"
)

// LocalFileSink writes derived records as a single bzip2-compressed CSV
// file, matching the fixed column order from types.OutputColumns. One
// instance is owned by each worker goroutine.
type LocalFileSink struct {
	path    string
	naValue string

	mu         sync.Mutex
	file       *os.File
	bz         *compression.BufferedBzip2Writer
	csv        *csv.Writer
	headerDone bool
}

// NewLocalFileSink creates a sink that will write to path once Start is
// called. naValue is the literal string substituted for null fields,
// defaulting to "-".
func NewLocalFileSink(path, naValue string) *LocalFileSink {
	if naValue == "" {
		naValue = "-"
	}
	return &LocalFileSink{path: path, naValue: naValue}
}

// Start opens the output file and its bzip2/CSV encoding chain.
func (s *LocalFileSink) Start(ctx context.Context) error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create sink file %s: %w", s.path, err)
	}
	bz, err := compression.NewBufferedBzip2Writer(f, 64*1024)
	if err != nil {
		f.Close()
		return fmt.Errorf("open bzip2 writer for %s: %w", s.path, err)
	}
	s.file = f
	s.bz = bz
	s.csv = csv.NewWriter(bz)
	return nil
}

// Send writes one batch of derived records as CSV rows, writing the header
// row once on the very first call.
func (s *LocalFileSink) Send(ctx context.Context, records []types.DerivedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.headerDone {
		if err := s.csv.Write(types.OutputColumns); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		s.headerDone = true
	}
	for _, r := range records {
		if err := s.csv.Write(s.row(r)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	s.csv.Flush()
	return s.csv.Error()
}

// Stop flushes and closes the bzip2 stream and the underlying file.
func (s *LocalFileSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		s.bz.Close()
		s.file.Close()
		return err
	}
	if err := s.bz.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (s *LocalFileSink) row(r types.DerivedRecord) []string {
	return []string{
		r.Timestamp.Format("02/Jan/2006:15:04:05"),
		strconv.Itoa(r.StatusCode),
		r.Method,
		r.Protocol,
		r.Hit,
		r.ContentType,
		r.CacheName,
		r.PopName,
		s.str(r.Host),
		s.str(r.Coordinates),
		s.str(r.DeviceBrand),
		s.str(r.DeviceFamily),
		s.str(r.DeviceModel),
		s.str(r.OSFamily),
		s.str(r.UAFamily),
		s.str(r.UAMajor),
		r.Path,
		boolStr(r.Manifest),
		boolStr(r.Fragment),
		s.str(r.LiveChannel),
		s.str(r.ContentPackage),
		s.str(r.AssetNumber),
		s.str(r.UID),
		s.str(r.SID),
		strconv.FormatFloat(r.ContentLength, 'f', -1, 64),
		strconv.FormatFloat(r.TimeFirstByte, 'f', -1, 64),
		strconv.FormatFloat(r.TimeToServ, 'f', -1, 64),
	}
}

func (s *LocalFileSink) str(v *string) string {
	if v == nil {
		return s.naValue
	}
	return *v
}

func boolStr(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
