package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

// Persona is a mentionable agent.
type Persona struct {
	ID   string
	Name string
	Role string
}

type snapshot struct {
	personas []Persona
	roles    []string
}

// Directory is the read-only mention directory consulted at flush time.
// Replace swaps the whole snapshot; readers never see a partial update.
type Directory struct {
	staticRoles []string
	current     atomic.Pointer[snapshot]
}

func NewDirectory(roleSlugs []string) *Directory {
	d := &Directory{staticRoles: normalizeRoles(roleSlugs)}
	d.current.Store(&snapshot{roles: d.staticRoles})
	return d
}

// Replace installs personas. Their roles join the configured role slugs.
func (d *Directory) Replace(personas []Persona) {
	roles := append([]string(nil), d.staticRoles...)
	for _, p := range personas {
		roles = append(roles, p.Role)
	}
	d.current.Store(&snapshot{
		personas: append([]Persona(nil), personas...),
		roles:    normalizeRoles(roles),
	})
}

func (d *Directory) Personas() []Persona {
	return d.current.Load().personas
}

func (d *Directory) Roles() []string {
	return d.current.Load().roles
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]bool, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

type PersonaLister interface {
	ListPersonas(context.Context) ([]store.Persona, error)
}

// Refresher reloads the directory from the store on a cron schedule.
type Refresher struct {
	mu        sync.Mutex
	cron      *cron.Cron
	directory *Directory
	source    PersonaLister
	logger    *slog.Logger
}

func NewRefresher(directory *Directory, source PersonaLister, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		cron:      cron.New(),
		directory: directory,
		source:    source,
		logger:    logger,
	}
}

// Refresh loads personas now.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.source.ListPersonas(ctx)
	if err != nil {
		return fmt.Errorf("refresh mention directory: %w", err)
	}
	personas := make([]Persona, 0, len(rows))
	for _, row := range rows {
		personas = append(personas, Persona{ID: row.ID, Name: row.Name, Role: row.Role})
	}
	r.directory.Replace(personas)
	r.logger.Debug("mention directory refreshed", "personas", len(personas))
	return nil
}

// Schedule registers the periodic refresh. schedule is a cron expression or
// a descriptor such as "@every 1m".
func (r *Refresher) Schedule(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		if err := r.Refresh(context.Background()); err != nil {
			r.logger.Warn("mention directory refresh failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("dispatch: invalid refresh schedule %q: %w", schedule, err)
	}
	return nil
}

// Start runs the cron scheduler until ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("directory refresher started")

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("directory refresher stopped")
	return ctx.Err()
}
