package patient

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/dicomtag"
)

// Resolver finds or creates the Patient a study belongs to. Resolve never
// fails: persistence errors degrade to the shared unknown placeholder, and
// if that cannot be stored either, to an unsaved copy of it.
type Resolver struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewResolver(repo Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger.With().Str("component", "patient-resolver").Logger(),
		now:    time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, tags dicomtag.Tags) *Patient {
	id := strings.TrimSpace(dicomtag.Value(tags.PatientID))
	name := dicomtag.ParsePersonName(tags.PatientName)

	if id == "" && nameAbsent(name) {
		return r.unknown(ctx, tags)
	}

	if id != "" {
		existing, err := r.repo.GetByMRN(ctx, id)
		switch {
		case err == nil:
			r.refreshName(ctx, existing, name)
			return existing
		case !errors.Is(err, ErrNotFound):
			r.logger.Warn().Err(err).Str("mrn", id).Msg("patient lookup failed, using unknown patient")
			return r.unknown(ctx, tags)
		}
	}

	p := newFromTags(id, name, tags, r.now())
	if err := r.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Concurrent ingestion of the same patient won the insert.
			if existing, gerr := r.repo.GetByMRN(ctx, p.MRN); gerr == nil {
				return existing
			}
		}
		r.logger.Warn().Err(err).Str("mrn", p.MRN).Msg("patient create failed, using unknown patient")
		return r.unknown(ctx, tags)
	}
	r.logger.Info().Str("patient_ref", p.ID.String()).Str("mrn", p.MRN).Str("name", p.Computed.FullName).Msg("created patient")
	return p
}

// refreshName replaces a stored raw DICOM name with the parsed form. It is
// the only mutation applied to an existing patient.
func (r *Resolver) refreshName(ctx context.Context, p *Patient, name dicomtag.PersonName) {
	if !dicomtag.IsRawDICOMName(p.NameRaw) || nameAbsent(name) || dicomtag.IsRawDICOMName(name.FullName) {
		return
	}
	old := p.NameRaw
	p.NameRaw = name.FullName
	p.FirstName = name.FirstName
	p.LastName = name.LastName
	p.Computed.FullName = name.FullName
	p.Computed.OriginalDicomName = name.Original
	if err := r.repo.UpdateName(ctx, p); err != nil {
		r.logger.Warn().Err(err).Str("patient_ref", p.ID.String()).Msg("patient name refresh failed")
		return
	}
	r.logger.Info().Str("patient_ref", p.ID.String()).Str("from", old).Str("to", p.NameRaw).Msg("updated patient name format")
}

func (r *Resolver) unknown(ctx context.Context, tags dicomtag.Tags) *Patient {
	existing, err := r.repo.GetByMRN(ctx, UnknownMRN)
	if err == nil {
		return existing
	}

	p := &Patient{
		MRN:         UnknownMRN,
		PatientID:   UnknownPatientID,
		NameRaw:     UnknownName,
		Computed:    Computed{FullName: UnknownName},
		Gender:      strings.TrimSpace(dicomtag.Value(tags.PatientSex)),
		IsAnonymous: true,
	}
	if errors.Is(err, ErrNotFound) {
		cerr := r.repo.Create(ctx, p)
		if cerr == nil {
			return p
		}
		if errors.Is(cerr, ErrDuplicate) {
			if existing, gerr := r.repo.GetByMRN(ctx, UnknownMRN); gerr == nil {
				return existing
			}
		}
		err = cerr
	}
	r.logger.Error().Err(err).Msg("unknown patient unavailable, continuing with unsaved placeholder")
	return p
}

func newFromTags(id string, name dicomtag.PersonName, tags dicomtag.Tags, now time.Time) *Patient {
	if id == "" {
		id = AnonymousPrefix + strconv.FormatInt(now.UnixMilli(), 10)
	}
	p := &Patient{
		MRN:       id,
		PatientID: id,
		NameRaw:   name.FullName,
		FirstName: name.FirstName,
		LastName:  name.LastName,
		Computed: Computed{
			FullName:          name.FullName,
			NamePrefix:        name.Prefix,
			NameSuffix:        name.Suffix,
			OriginalDicomName: name.Original,
		},
		Gender: strings.TrimSpace(dicomtag.Value(tags.PatientSex)),
	}
	if dob, ok := dicomtag.ParseDateStrict(dicomtag.Value(tags.PatientBirthDate)); ok {
		p.DateOfBirth = &dob
	}
	return p
}

// nameAbsent is true when the tag was missing or held only separators.
func nameAbsent(n dicomtag.PersonName) bool {
	return n.Missing || strings.Trim(n.Original, dicomtag.NameSeparator+" ") == ""
}
