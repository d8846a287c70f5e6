package lab

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/dicomtag"
)

type failingRepo struct {
	*MemoryRepo
	failLookup map[string]bool
	failCreate bool
	failAny    bool
}

func (f *failingRepo) GetByIdentifier(ctx context.Context, identifier string) (*Lab, error) {
	if f.failLookup[strings.ToUpper(identifier)] {
		return nil, errors.New("connection reset")
	}
	return f.MemoryRepo.GetByIdentifier(ctx, identifier)
}

func (f *failingRepo) Create(ctx context.Context, l *Lab) error {
	if f.failCreate {
		return errors.New("validation failed")
	}
	return f.MemoryRepo.Create(ctx, l)
}

func (f *failingRepo) FindAnyActive(ctx context.Context) (*Lab, error) {
	if f.failAny {
		return nil, errors.New("connection reset")
	}
	return f.MemoryRepo.FindAnyActive(ctx)
}

func newResolver(repo Repository) *Resolver {
	r := NewResolver(repo, zerolog.Nop())
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func privateTags(pairs ...string) dicomtag.Tags {
	t := dicomtag.Tags{PrivateLab: map[string]string{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		t.PrivateLab[pairs[i]] = pairs[i+1]
	}
	return t
}

func TestResolve_CreatesLabFromPrivateTag(t *testing.T) {
	repo := NewMemoryRepo()
	r := newResolver(repo)

	l := r.Resolve(context.Background(), privateTags("0015,0010", "cityrad"))

	if l.Name != "cityrad Laboratory" || l.Identifier != "CITYRAD" {
		t.Errorf("lab = %s / %s", l.Name, l.Identifier)
	}
	if !l.IsActive || !l.Persisted() {
		t.Errorf("expected active persisted lab, got %+v", l)
	}
	want := `Auto-created from private DICOM tag [0015,0010] with value "cityrad" on 2024-05-01T12:00:00Z`
	if l.Notes != want {
		t.Errorf("notes = %q", l.Notes)
	}
}

func TestResolve_LookupIsCaseInsensitive(t *testing.T) {
	repo := NewMemoryRepo()
	r := newResolver(repo)

	first := r.Resolve(context.Background(), privateTags("0013,0010", "CityRad"))
	second := r.Resolve(context.Background(), privateTags("0021,0010", "cityrad"))

	if first.ID != second.ID || repo.Len() != 1 {
		t.Errorf("expected one lab, got %d (%s, %s)", repo.Len(), first.ID, second.ID)
	}
}

func TestResolve_SkipsPlaceholderAndUsesTagOrder(t *testing.T) {
	r := newResolver(NewMemoryRepo())
	l := r.Resolve(context.Background(), privateTags(
		"0013,0010", "xcenticlab",
		"0043,0010", "LAST",
		"0021,0010", "middle",
	))
	if l.Identifier != "MIDDLE" {
		t.Errorf("identifier = %s, want MIDDLE", l.Identifier)
	}
}

func TestResolve_InactiveLabIsNotMatched(t *testing.T) {
	repo := NewMemoryRepo()
	_ = repo.Create(context.Background(), &Lab{Name: "Old", Identifier: "OLD", IsActive: false})
	r := newResolver(repo)

	// The inactive lab still owns the identifier, so creation hits the
	// unique index and the retry finds nothing active.
	l := r.Resolve(context.Background(), privateTags("0013,0010", "old"))
	if l.Identifier != UnknownIdentifier {
		t.Errorf("identifier = %s", l.Identifier)
	}
}

func TestResolve_UnknownLabIsSingleton(t *testing.T) {
	repo := NewMemoryRepo()
	r := newResolver(repo)

	a := r.Resolve(context.Background(), dicomtag.Tags{})
	b := r.Resolve(context.Background(), privateTags("0013,0010", "  "))

	if a.Identifier != UnknownIdentifier || a.Name != UnknownName {
		t.Errorf("lab = %+v", a)
	}
	if a.ID != b.ID || repo.Len() != 1 {
		t.Errorf("expected one unknown lab, got %d", repo.Len())
	}
	if !strings.Contains(a.Notes, "[0013,0010], [0015,0010], [0021,0010], [0043,0010]") {
		t.Errorf("notes = %q", a.Notes)
	}
}

func TestResolve_PrivateTagWinsOverUnknown(t *testing.T) {
	repo := NewMemoryRepo()
	r := newResolver(repo)
	_ = r.Resolve(context.Background(), dicomtag.Tags{})

	l := r.Resolve(context.Background(), privateTags("0043,0010", "north"))
	if l.Identifier != "NORTH" {
		t.Errorf("identifier = %s", l.Identifier)
	}
}

func TestResolve_LookupErrorMovesToNextTag(t *testing.T) {
	repo := &failingRepo{MemoryRepo: NewMemoryRepo(), failLookup: map[string]bool{"BROKEN": true}}
	r := newResolver(repo)

	l := r.Resolve(context.Background(), privateTags("0013,0010", "broken", "0015,0010", "good"))
	if l.Identifier != "GOOD" {
		t.Errorf("identifier = %s", l.Identifier)
	}
}

func TestResolve_FallsBackToAnyActiveLab(t *testing.T) {
	mem := NewMemoryRepo()
	_ = mem.Create(context.Background(), &Lab{Name: "Main", Identifier: "MAIN", IsActive: true})
	repo := &failingRepo{MemoryRepo: mem, failLookup: map[string]bool{UnknownIdentifier: true}}
	r := newResolver(repo)

	l := r.Resolve(context.Background(), dicomtag.Tags{})
	if l.Identifier != "MAIN" {
		t.Errorf("identifier = %s, want MAIN", l.Identifier)
	}
}

func TestResolve_CreatesEmergencyLab(t *testing.T) {
	repo := &failingRepo{MemoryRepo: NewMemoryRepo(), failLookup: map[string]bool{UnknownIdentifier: true}}
	r := newResolver(repo)

	l := r.Resolve(context.Background(), dicomtag.Tags{})
	if l.Identifier != EmergencyIdentifier || l.Name != EmergencyName || !l.Persisted() {
		t.Errorf("lab = %+v", l)
	}
	if l.Notes != "Emergency lab created due to system error. Created on 2024-05-01T12:00:00Z" {
		t.Errorf("notes = %q", l.Notes)
	}
}

func TestResolve_NeverReturnsNil(t *testing.T) {
	repo := &failingRepo{MemoryRepo: NewMemoryRepo(), failCreate: true, failAny: true}
	r := newResolver(repo)

	l := r.Resolve(context.Background(), privateTags("0013,0010", "x"))
	if l == nil {
		t.Fatal("resolver returned nil")
	}
	if l.ID != uuid.Nil || l.Identifier != EmergencyIdentifier {
		t.Errorf("expected transient emergency lab, got %+v", l)
	}
}
