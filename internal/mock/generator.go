package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/taskpulse/backend/internal/room"
	"github.com/taskpulse/backend/internal/ws"
)

type mockProject struct {
	id       string
	name     string
	pattern  string
	progress int
	tasks    int
	done     int
	status   string
}

// ProjectUpdate is the payload of the generated project-update events.
type ProjectUpdate struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Tasks     int    `json:"tasks"`
	Done      int    `json:"done"`
}

var projectNames = []string{"Apollo", "Borealis", "Cinder", "Dynamo", "Ember", "Fathom"}

var patterns = []string{"steady", "burst", "stall"}

var assigners = []string{"Ada", "Grace", "Linus", "Ken", "Barbara"}

var taskTitles = []string{
	"Review pull request", "Update onboarding docs", "Fix flaky login test",
	"Triage support queue", "Draft release notes", "Profile dashboard load",
}

// Generator drives synthetic traffic through a Dispatcher so clients can be
// developed without a real task backend.
type Generator struct {
	dispatcher ws.Dispatcher
	interval   time.Duration
	projects   []*mockProject
	logger     *log.Logger
	rng        *rand.Rand
}

func NewGenerator(dispatcher ws.Dispatcher, interval time.Duration, projects []string) *Generator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if len(projects) == 0 {
		projects = []string{"1"}
	}
	g := &Generator{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     log.Default().With("component", "mock"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i, id := range projects {
		g.projects = append(g.projects, &mockProject{
			id:      id,
			name:    projectNames[i%len(projectNames)],
			pattern: patterns[i%len(patterns)],
			tasks:   8 + 4*i,
			status:  "active",
		})
	}
	return g
}

// SetLogger replaces the default logger.
func (g *Generator) SetLogger(l *log.Logger) {
	if l != nil {
		g.logger = l.With("component", "mock")
	}
}

// Start runs the generator in the background until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	go g.Run(ctx)
}

// Run ticks until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			g.step(tick)
		}
	}
}

func (g *Generator) step(tick int) {
	notified := 0
	for _, identity := range g.dispatcher.ListOnlineIdentities() {
		notified += g.dispatcher.SendToIdentity(identity, ws.EventNotification, g.assignment(identity, tick))
	}

	p := g.projects[(tick-1)%len(g.projects)]
	g.advance(p, tick)
	updated := g.dispatcher.SendToRoom(room.ProjectRoom(p.id), ws.EventProjectUpdate, ProjectUpdate{
		ProjectID: p.id,
		Name:      p.name,
		Status:    p.status,
		Progress:  p.progress,
		Tasks:     p.tasks,
		Done:      p.done,
	})

	broadcast := 0
	if tick%5 == 0 {
		broadcast = g.dispatcher.Broadcast(ws.EventBroadcast, map[string]any{
			"message": fmt.Sprintf("Scheduled maintenance check #%d", tick/5),
			"level":   "info",
		})
	}
	g.logger.Debug("mock tick", "tick", tick, "notified", notified, "project", p.id, "updated", updated, "broadcast", broadcast)
}

func (g *Generator) assignment(identity string, tick int) ws.Notification {
	p := g.projects[g.rng.Intn(len(g.projects))]
	title := taskTitles[tick%len(taskTitles)]
	taskID := fmt.Sprintf("%s-%d", p.id, tick)
	return ws.Notification{
		Type:      "task_assigned",
		Title:     "New task assigned",
		Message:   fmt.Sprintf("%s assigned you %q in %s", assigners[tick%len(assigners)], title, p.name),
		UserID:    identity,
		TaskID:    taskID,
		ProjectID: p.id,
		Data:      map[string]any{"room": room.TaskRoom(taskID)},
	}
}

func (g *Generator) advance(p *mockProject, tick int) {
	if p.status == "completed" {
		// Start the next milestone.
		p.progress, p.done, p.status = 0, 0, "active"
		return
	}

	switch p.pattern {
	case "steady":
		p.progress += 10
	case "burst":
		if tick%4 == 0 {
			p.progress += 30
		} else {
			p.progress += 2
		}
	case "stall":
		if tick%10 >= 6 {
			p.status = "stalled"
			return
		}
		p.progress += 8
	}

	p.status = "active"
	if p.progress >= 100 {
		p.progress = 100
		p.status = "completed"
	}
	p.done = p.tasks * p.progress / 100
}
