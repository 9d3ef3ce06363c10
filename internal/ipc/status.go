package ipc

import "time"

// Status is the daemon snapshot returned by a status request.
type Status struct {
	Version        string                `json:"version"`
	StartedAt      time.Time             `json:"started_at"`
	Sockets        []SocketStatus        `json:"sockets"`
	Clients        []ClientStatus        `json:"clients"`
	Toplevels      []ToplevelStatus      `json:"toplevels"`
	Locked         bool                  `json:"locked"`
	PrimaryOutput  string                `json:"primary_output"`
	Outputs        []string              `json:"outputs"`
	VirtualOutputs []VirtualOutputStatus `json:"virtual_outputs"`
	ActiveSession  string                `json:"active_session"`
	Wallpapers     []WallpaperStatus     `json:"wallpapers"`
}

type SocketStatus struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Enabled   bool   `json:"enabled"`
	Listening bool   `json:"listening"`
	Clients   int    `json:"clients"`
	AppID     string `json:"app_id,omitempty"`
}

type ClientStatus struct {
	ID     uint64 `json:"id"`
	PID    int    `json:"pid"`
	UID    int    `json:"uid"`
	Socket string `json:"socket"`
	Frozen bool   `json:"frozen"`
}

type ToplevelStatus struct {
	Identifier uint32   `json:"identifier"`
	AppID      string   `json:"app_id"`
	Title      string   `json:"title"`
	PID        uint32   `json:"pid"`
	States     []string `json:"states,omitempty"`
}

type VirtualOutputStatus struct {
	Name    string   `json:"name"`
	Outputs []string `json:"outputs"`
}

type WallpaperStatus struct {
	UID    int    `json:"uid"`
	Output string `json:"output"`
	Role   string `json:"role"`
	Source string `json:"source"`
}
