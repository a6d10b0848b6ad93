// Package seed loads initial model params and demo data from a YAML file.
//
// Each section is applied only while its table is empty, so restarting with the same
// file does not duplicate rows.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/phone"
	"github.com/BTreeMap/Concierge/internal/store"
)

// File is the seed document.
type File struct {
	ModelParams []ModelParams `yaml:"model_params"`
	Properties  []Property    `yaml:"properties"`
}

// ModelParams is a seeded model configuration.
type ModelParams struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	Active       bool    `yaml:"active"`
}

// Property is a seeded property with its facts and bookings.
type Property struct {
	OwnerID     string        `yaml:"owner_id"`
	Name        string        `yaml:"name"`
	Address     string        `yaml:"address"`
	Description string        `yaml:"description"`
	URL         string        `yaml:"url"`
	Latitude    *float64      `yaml:"lat"`
	Longitude   *float64      `yaml:"lng"`
	Information []Information `yaml:"information"`
	Bookings    []Booking     `yaml:"bookings"`
}

// Information is a seeded property fact.
type Information struct {
	Name     string `yaml:"name"`
	Detail   string `yaml:"detail"`
	Category string `yaml:"category"`
}

// Booking is a seeded stay and its guests.
type Booking struct {
	CheckIn  time.Time `yaml:"check_in"`
	CheckOut time.Time `yaml:"check_out"`
	Guests   []Guest   `yaml:"guests"`
}

// Guest is a seeded guest, matched by phone.
type Guest struct {
	Phone     string `yaml:"phone"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
}

// Summary counts the rows written by Apply.
type Summary struct {
	ModelParams int
	Properties  int
	Bookings    int
	Guests      int
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the invariants Apply relies on.
func (f *File) Validate() error {
	if len(f.ModelParams) > 0 {
		active := 0
		for _, p := range f.ModelParams {
			if p.Active {
				active++
			}
		}
		if active != 1 {
			return fmt.Errorf("seed declares %d active model params: %w", active, models.ErrActiveModelParamsInvariant)
		}
	}
	for i, p := range f.Properties {
		if p.Name == "" || p.Address == "" || p.OwnerID == "" {
			return fmt.Errorf("seed property %d: owner_id, name and address are required", i)
		}
		for j, b := range p.Bookings {
			if !b.CheckOut.After(b.CheckIn) {
				return fmt.Errorf("seed property %q booking %d: %w", p.Name, j, models.ErrInvalidDateRange)
			}
		}
	}
	return nil
}

// Apply writes the seed into st. Model params are written only when the table is
// empty, and properties only when no property exists.
func Apply(ctx context.Context, st store.Store, f *File) (Summary, error) {
	var sum Summary
	if f == nil {
		return sum, nil
	}

	existing, err := st.ListModelParams(ctx)
	if err != nil {
		return sum, fmt.Errorf("list model params: %w", err)
	}
	if len(existing) == 0 {
		for _, p := range f.ModelParams {
			if _, err := st.CreateModelParams(ctx, models.ModelParams{
				SystemPrompt: p.SystemPrompt,
				Temperature:  p.Temperature,
				TopP:         p.TopP,
				Active:       p.Active,
			}); err != nil {
				return sum, fmt.Errorf("create model params: %w", err)
			}
			sum.ModelParams++
		}
	} else if len(f.ModelParams) > 0 {
		slog.Info("seed.Apply: model params already present, skipping", "rows", len(existing))
	}

	props, err := st.ListProperties(ctx, "")
	if err != nil {
		return sum, fmt.Errorf("list properties: %w", err)
	}
	if len(props) > 0 {
		if len(f.Properties) > 0 {
			slog.Info("seed.Apply: properties already present, skipping", "rows", len(props))
		}
		return sum, nil
	}

	resolver := phone.NewResolver(st)
	for _, sp := range f.Properties {
		prop, err := st.CreateProperty(ctx, models.Property{
			OwnerID:     sp.OwnerID,
			Name:        sp.Name,
			Address:     sp.Address,
			Description: sp.Description,
			URL:         sp.URL,
			Latitude:    sp.Latitude,
			Longitude:   sp.Longitude,
		})
		if err != nil {
			return sum, fmt.Errorf("create property %q: %w", sp.Name, err)
		}
		sum.Properties++

		for _, info := range sp.Information {
			if _, err := st.AddPropertyInformation(ctx, models.PropertyInformation{
				PropertyID: prop.ID,
				Name:       info.Name,
				Detail:     info.Detail,
				Category:   info.Category,
			}); err != nil {
				return sum, fmt.Errorf("add information %q: %w", info.Name, err)
			}
		}

		for _, sb := range sp.Bookings {
			b, err := st.CreateBooking(ctx, models.Booking{PropertyID: prop.ID, CheckIn: sb.CheckIn, CheckOut: sb.CheckOut})
			if err != nil {
				return sum, fmt.Errorf("create booking for %q: %w", sp.Name, err)
			}
			sum.Bookings++
			for _, sg := range sb.Guests {
				g, err := resolver.FindOrCreateGuest(ctx, sg.Phone, sg.FirstName, sg.LastName)
				if err != nil {
					return sum, fmt.Errorf("guest %q: %w", sg.Phone, err)
				}
				if err := st.AddBookingGuest(ctx, b.ID, g.ID); err != nil {
					return sum, fmt.Errorf("link guest %q: %w", sg.Phone, err)
				}
				sum.Guests++
			}
		}
	}
	slog.Info("seed.Apply: seed applied", "modelParams", sum.ModelParams, "properties", sum.Properties,
		"bookings", sum.Bookings, "guests", sum.Guests)
	return sum, nil
}
