// Package studio is the host side of the assistant's tools: the page the user
// is looking at and the client project catalog. It implements [tools.Host].
//
// Projects are persisted as a JSON array under [storage.KeyProjects]. View
// changes (page and open project) are pushed to registered listeners so the
// UI bridge can mirror them in the browser.
package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/kineo-ai/kineo/internal/storage"
	"github.com/kineo-ai/kineo/internal/tools"
)

// ErrProjectNotFound is returned for operations on an unknown project id.
var ErrProjectNotFound = errors.New("studio: project not found")

// Page identifies a top-level page of the application.
type Page string

const (
	PageHome      Page = "home"
	PageGenerator Page = "generator"
	PageStudio    Page = "studio"
	PageBilling   Page = "billing"
	PageAccount   Page = "account"
)

// Pages lists every valid page.
var Pages = []Page{PageHome, PageGenerator, PageStudio, PageBilling, PageAccount}

// Valid reports whether p is a known page.
func (p Page) Valid() bool { return slices.Contains(Pages, p) }

// Project status values.
const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

// Project is a client project.
type Project struct {
	ID          string  `json:"id"`
	ClientName  string  `json:"clientName"`
	ProjectName string  `json:"projectName"`
	Price       float64 `json:"price"`
	Status      string  `json:"status"`
}

// View is what the user currently sees. ProjectID is empty when no project
// is open.
type View struct {
	Page      Page   `json:"page"`
	ProjectID string `json:"projectId,omitempty"`
}

// Studio holds navigation state and the project catalog. It is safe for
// concurrent use.
type Studio struct {
	store   storage.Store
	logger  *slog.Logger
	matcher nameMatcher

	mu        sync.Mutex
	projects  []Project
	view      View
	listeners map[int]func(View)
	nextID    int
}

var _ tools.Host = (*Studio)(nil)

// Option configures a [Studio].
type Option func(*Studio)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Studio) { s.logger = l }
}

// New loads the project catalog from store and starts on the home page.
func New(ctx context.Context, store storage.Store, opts ...Option) (*Studio, error) {
	s := &Studio{
		store:     store,
		logger:    slog.Default(),
		matcher:   newNameMatcher(),
		view:      View{Page: PageHome},
		listeners: make(map[int]func(View)),
	}
	for _, o := range opts {
		o(s)
	}

	raw, ok, err := store.Get(ctx, storage.KeyProjects)
	if err != nil {
		return nil, fmt.Errorf("studio: load projects: %w", err)
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.projects); err != nil {
			// A corrupt catalog must not keep the app from starting.
			s.logger.Warn("studio: discarding unreadable project catalog", "err", err)
			s.projects = nil
		}
	}
	return s, nil
}

// ── tools.Host ──────────────────────────────────────────────────────────────

// Navigate switches to page. Navigating to the studio shows the project list.
func (s *Studio) Navigate(_ context.Context, page string) (string, error) {
	p := Page(page)
	if !p.Valid() {
		return "", fmt.Errorf("studio: navigate: unknown page %q", page)
	}

	s.mu.Lock()
	s.view.Page = p
	if p == PageStudio {
		s.view.ProjectID = ""
	}
	v := s.view
	ls := s.snapshotListeners()
	s.mu.Unlock()

	notify(ls, v)
	return fmt.Sprintf("Navigating to %s.", page), nil
}

// CreateProject adds an in-progress project, persists the catalog and opens
// the new project.
func (s *Studio) CreateProject(ctx context.Context, args tools.CreateProjectArgs) (string, error) {
	p := Project{
		ID:          uuid.NewString(),
		ClientName:  args.ClientName,
		ProjectName: args.ProjectName,
		Price:       args.Price,
		Status:      StatusInProgress,
	}

	s.mu.Lock()
	next := append(slices.Clone(s.projects), p)
	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.projects = next
	s.view.ProjectID = p.ID
	v := s.view
	ls := s.snapshotListeners()
	s.mu.Unlock()

	s.logger.Info("project created", "project_id", p.ID, "project", p.ProjectName, "client", p.ClientName)
	notify(ls, v)
	return fmt.Sprintf("OK, I've created the project %s for you.", p.ProjectName), nil
}

// StartVideoForProject opens the generator for the project best matching
// projectName. An unknown project is reported in the result text.
func (s *Studio) StartVideoForProject(_ context.Context, projectName string) (string, error) {
	s.mu.Lock()
	names := make([]string, len(s.projects))
	for i, p := range s.projects {
		names[i] = p.ProjectName
	}
	idx := s.matcher.resolve(projectName, names)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Sprintf("Project %q not found.", projectName), nil
	}
	p := s.projects[idx]
	s.view = View{Page: PageGenerator, ProjectID: p.ID}
	v := s.view
	ls := s.snapshotListeners()
	s.mu.Unlock()

	notify(ls, v)
	return fmt.Sprintf("Alright, let's start a new video for %s.", p.ProjectName), nil
}

// ── Catalog management ──────────────────────────────────────────────────────

// Projects returns a copy of the catalog in creation order.
func (s *Studio) Projects() []Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.projects)
}

// ToggleProjectStatus flips a project between in-progress and completed.
func (s *Studio) ToggleProjectStatus(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("studio: toggle status %q: %w", id, ErrProjectNotFound)
	}
	next := slices.Clone(s.projects)
	if next[i].Status == StatusInProgress {
		next[i].Status = StatusCompleted
	} else {
		next[i].Status = StatusInProgress
	}
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.projects = next
	return nil
}

// DeleteProject removes a project and returns to the project list.
func (s *Studio) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("studio: delete %q: %w", id, ErrProjectNotFound)
	}
	next := slices.Delete(slices.Clone(s.projects), i, i+1)
	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.projects = next
	s.view.ProjectID = ""
	v := s.view
	ls := s.snapshotListeners()
	s.mu.Unlock()

	notify(ls, v)
	return nil
}

// ── View ────────────────────────────────────────────────────────────────────

// View returns the current view.
func (s *Studio) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// OnChange registers fn to receive every view change. Listeners run outside
// the studio lock on the goroutine that caused the change. The returned
// function unregisters fn.
func (s *Studio) OnChange(fn func(View)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// persist writes projects to the store. Caller holds s.mu.
func (s *Studio) persist(ctx context.Context, projects []Project) error {
	data, err := json.Marshal(projects)
	if err != nil {
		return fmt.Errorf("studio: encode projects: %w", err)
	}
	if err := s.store.Set(ctx, storage.KeyProjects, string(data)); err != nil {
		return fmt.Errorf("studio: save projects: %w", err)
	}
	return nil
}

func (s *Studio) indexOf(id string) int {
	return slices.IndexFunc(s.projects, func(p Project) bool { return p.ID == id })
}

// snapshotListeners copies the listener set. Caller holds s.mu.
func (s *Studio) snapshotListeners() []func(View) {
	out := make([]func(View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(ls []func(View), v View) {
	for _, fn := range ls {
		fn(v)
	}
}
