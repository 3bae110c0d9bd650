package prefs

import (
	"context"
	"log"
	"strconv"

	"github.com/iago/vestigium-sync/internal/reactive"
)

const (
	KeyIncludeAdult = "vestigium.showNsfw"
	KeyGroupColumns = "vestigium.groupColumns"

	DefaultGroupColumns = 5
)

// Values is the snapshot of every setting the stores consume.
type Values struct {
	IncludeAdult bool
	GroupColumns int
}

func DefaultValues() Values {
	return Values{IncludeAdult: true, GroupColumns: DefaultGroupColumns}
}

// Settings reads preferences once at construction and republishes every
// change. Backend failures never surface as missing settings: reads fall back
// to defaults and writes keep the in-memory value.
type Settings struct {
	backend Backend
	logger  *log.Logger
	values  *reactive.Cell[Values]
}

func NewSettings(ctx context.Context, backend Backend, logger *log.Logger) *Settings {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Settings{backend: backend, logger: logger}

	values := DefaultValues()
	values.IncludeAdult = s.readBool(ctx, KeyIncludeAdult, values.IncludeAdult)
	values.GroupColumns = s.readInt(ctx, KeyGroupColumns, values.GroupColumns)
	s.values = reactive.NewCell(values, func(a, b Values) bool { return a == b })
	return s
}

func (s *Settings) Values() Values {
	return s.values.Get()
}

func (s *Settings) IncludeAdult() bool {
	return s.values.Get().IncludeAdult
}

func (s *Settings) GroupColumns() int {
	return s.values.Get().GroupColumns
}

// Subscribe is called with the new snapshot after every effective change.
func (s *Settings) Subscribe(listener func(Values)) func() {
	return s.values.Subscribe(listener)
}

func (s *Settings) SetIncludeAdult(ctx context.Context, include bool) error {
	s.values.Update(func(current Values) Values {
		current.IncludeAdult = include
		return current
	})
	return s.write(ctx, KeyIncludeAdult, strconv.FormatBool(include))
}

// SetGroupColumns ignores counts below 1.
func (s *Settings) SetGroupColumns(ctx context.Context, columns int) error {
	if columns < 1 {
		return nil
	}
	s.values.Update(func(current Values) Values {
		current.GroupColumns = columns
		return current
	})
	return s.write(ctx, KeyGroupColumns, strconv.Itoa(columns))
}

func (s *Settings) write(ctx context.Context, key, value string) error {
	err := s.backend.Save(ctx, key, value)
	if err != nil && s.logger != nil {
		s.logger.Printf("preference write failed, keeping in-memory value key=%s err=%v", key, err)
	}
	return err
}

func (s *Settings) readBool(ctx context.Context, key string, fallback bool) bool {
	raw, ok := s.read(ctx, key)
	if !ok {
		return fallback
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return fallback
}

func (s *Settings) readInt(ctx context.Context, key string, fallback int) int {
	raw, ok := s.read(ctx, key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func (s *Settings) read(ctx context.Context, key string) (string, bool) {
	raw, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("preference read failed, using default key=%s err=%v", key, err)
		}
		return "", false
	}
	return raw, ok
}
