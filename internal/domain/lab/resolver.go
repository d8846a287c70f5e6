package lab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/dicomtag"
)

// Resolver maps the private lab-identifier tags of a study to a Lab. It
// never fails: store errors fall back to the unknown lab, then to any
// active lab, then to the emergency default lab.
type Resolver struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewResolver(repo Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger.With().Str("component", "lab-resolver").Logger(),
		now:    time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, tags dicomtag.Tags) *Lab {
	for _, pt := range dicomtag.LabPrivateTags {
		slot := dicomtag.Key(pt)
		value := strings.TrimSpace(tags.PrivateLab[slot])
		if value == "" || dicomtag.IsPlaceholderLab(value) {
			continue
		}

		l, err := r.findOrCreate(ctx, value, func() *Lab {
			return &Lab{
				Name:       value + " Laboratory",
				Identifier: strings.ToUpper(value),
				IsActive:   true,
				Notes: fmt.Sprintf("Auto-created from private DICOM tag [%s] with value %q on %s",
					slot, value, r.now().UTC().Format(time.RFC3339)),
			}
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("tag", slot).Str("value", value).Msg("lab lookup failed, trying next tag")
			continue
		}
		return l
	}

	l, err := r.findOrCreate(ctx, UnknownIdentifier, func() *Lab {
		return &Lab{
			Name:       UnknownName,
			Identifier: UnknownIdentifier,
			IsActive:   true,
			Notes: fmt.Sprintf("Unknown lab created because no valid lab identifier was found in private tags %s. Created on %s",
				slotList(), r.now().UTC().Format(time.RFC3339)),
		}
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("unknown lab unavailable, using emergency fallback")
		return r.emergency(ctx)
	}
	return l
}

// findOrCreate looks up an active lab by identifier and creates it from
// build when missing. A concurrent insert of the same identifier is
// resolved by looking it up again.
func (r *Resolver) findOrCreate(ctx context.Context, identifier string, build func() *Lab) (*Lab, error) {
	existing, err := r.repo.GetByIdentifier(ctx, identifier)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	l := build()
	if err := r.repo.Create(ctx, l); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return r.repo.GetByIdentifier(ctx, l.Identifier)
		}
		return nil, err
	}
	r.logger.Info().Str("lab_ref", l.ID.String()).Str("identifier", l.Identifier).Str("name", l.Name).Msg("created lab")
	return l, nil
}

func (r *Resolver) emergency(ctx context.Context) *Lab {
	if l, err := r.repo.FindAnyActive(ctx); err == nil {
		return l
	}

	l, err := r.findOrCreate(ctx, EmergencyIdentifier, func() *Lab {
		return &Lab{
			Name:       EmergencyName,
			Identifier: EmergencyIdentifier,
			IsActive:   true,
			Notes:      "Emergency lab created due to system error. Created on " + r.now().UTC().Format(time.RFC3339),
		}
	})
	if err == nil {
		return l
	}
	r.logger.Error().Err(err).Msg("emergency lab unavailable, continuing with unsaved placeholder")
	return &Lab{Name: EmergencyName, Identifier: EmergencyIdentifier, IsActive: true}
}

func slotList() string {
	keys := make([]string, len(dicomtag.LabPrivateTags))
	for i, pt := range dicomtag.LabPrivateTags {
		keys[i] = "[" + dicomtag.Key(pt) + "]"
	}
	return strings.Join(keys, ", ")
}
