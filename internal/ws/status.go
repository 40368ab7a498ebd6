package ws

import (
	"runtime"
	"time"

	"github.com/taskpulse/backend/internal/session"
)

// Status is an operational snapshot. Fields are read one after another,
// so counts may disagree slightly under churn.
type Status struct {
	ServerTime            time.Time      `json:"serverTime"`
	StartedAt             time.Time      `json:"startedAt"`
	TotalSessions         int            `json:"totalSessions"`
	ConnectingSessions    int            `json:"connectingSessions"`
	AuthenticatedSessions int            `json:"authenticatedSessions"`
	AnonymousSessions     int            `json:"anonymousSessions"`
	OnlineIdentities      int            `json:"onlineIdentities"`
	TotalRooms            int            `json:"totalRooms"`
	Rooms                 map[string]int `json:"rooms"`
	Process               *ProcessStats  `json:"process,omitempty"`
}

// ProcessStats describes the server process itself.
type ProcessStats struct {
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

// Status returns the current snapshot.
func (h *Hub) Status() Status {
	counts := h.registry.Counts()
	rooms := h.rooms.MemberCounts()
	return Status{
		ServerTime:            h.now(),
		StartedAt:             h.startedAt,
		TotalSessions:         counts[session.Connecting] + counts[session.Authenticated] + counts[session.Anonymous],
		ConnectingSessions:    counts[session.Connecting],
		AuthenticatedSessions: counts[session.Authenticated],
		AnonymousSessions:     counts[session.Anonymous],
		OnlineIdentities:      len(h.registry.ListOnlineIdentities()),
		TotalRooms:            len(rooms),
		Rooms:                 rooms,
		Process:               h.processStats(),
	}
}

func (h *Hub) processStats() *ProcessStats {
	ps := &ProcessStats{Goroutines: runtime.NumGoroutine()}
	if h.proc == nil {
		return ps
	}
	if mem, err := h.proc.MemoryInfo(); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if n, err := h.proc.NumThreads(); err == nil {
		ps.Threads = n
	}
	if pct, err := h.proc.CPUPercent(); err == nil {
		ps.CPUPercent = pct
	}
	return ps
}
