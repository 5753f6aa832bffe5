// Package model holds the data types shared across the backup/restore
// engine: the engine-facing container view, stack definitions, jobs,
// history entries, and schedules described in the system's data model.
package model

import "time"

// ContainerHandle is the engine-assigned view of a container that the core
// treats as read-only input. EngineClient implementations populate this
// from the container engine's inspect/list responses.
type ContainerHandle struct {
	ID      string
	Name    string
	Image   string
	Env     []string          // "K=V" strings, as reported by the engine
	Ports   map[string]string // containerPort/proto -> hostPort, e.g. "5432/tcp" -> "5432"
	Binds   []Bind            // host bind mounts
	Mounts  []Mount           // all mounts (bind + volume + tmpfs)
	Labels  map[string]string
	Command []string
	WorkingDir      string
	Networks        map[string]NetworkAttachment
	ComposeProject  string // com.docker.compose.project label, if present
	ComposeService  string // com.docker.compose.service label, if present
}

// Bind is a host-path:container-path bind mount.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Mount is a generic mount entry (bind, volume, or tmpfs).
type Mount struct {
	Source      string
	Destination string
	Type        string // "bind", "volume", "tmpfs"
}

// NetworkAttachment describes one network a container is attached to.
type NetworkAttachment struct {
	NetworkID string
	IPv4      string
	Aliases   []string
}

// PortBinding is one host<->container port mapping with protocol.
type PortBinding struct {
	HostPort      string
	ContainerPort string
	Protocol      string // "tcp" or "udp"
}

// ServiceSpec is the derived, per-service view of a compose manifest that a
// StackDefinition carries: what the service declares about itself,
// independent of whatever containers currently exist for it.
type ServiceSpec struct {
	Image                    string
	DeclaredVolumeDestinations []string // ordered, absolute paths
	EnvOverrides             map[string]string
}

// StackDefinition is the advisory record of an imported compose stack: it
// says what to back up and supplies the manifest to redeploy from. It does
// not claim to be in sync with the live engine state.
type StackDefinition struct {
	StackName      string
	ManifestText   string
	EnvVars        map[string]string
	EnvFilePath    string
	Services       map[string]ServiceSpec
	UpdatedAt      time.Time
}

// JobKind enumerates the kinds of work the queue can run.
type JobKind string

const (
	JobBackupContainer       JobKind = "backup-container"
	JobBackupStack           JobKind = "backup-stack"
	JobRestoreContainer      JobKind = "restore-container"
	JobRestoreStackIntoPlace JobKind = "restore-stack-into-place"
	JobRestoreClone          JobKind = "restore-clone"
)

// JobStatus is a job's lifecycle state. Transitions are monotonic except
// that "failed" is always a final state.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusUploading  JobStatus = "uploading"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is a unit of queued work and its current observable status.
type Job struct {
	ID          string
	Kind        JobKind
	Target      string // container id, stack name, or artifact name
	Status      JobStatus
	Message     string
	LastUpdated time.Time
}

// HistoryDestination is where a finished artifact ended up.
type HistoryDestination string

const (
	DestinationLocal    HistoryDestination = "local"
	DestinationTelegram HistoryDestination = "telegram"
	DestinationCloud    HistoryDestination = "cloud"
)

// HistoryStatus is the terminal outcome recorded for a job.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
)

// HistoryEntry is one append-only record of a finished job. The store
// bounds each subject's history to its newest 200 entries, oldest evicted
// first; the total across all subjects is not bounded.
type HistoryEntry struct {
	ID           string
	Timestamp    time.Time
	Subject      string
	Status       HistoryStatus
	Destination  HistoryDestination
	Message      string
	SizeBytes    int64
	ArtifactPath string
}

// ScheduleFrequency is how often a schedule fires.
type ScheduleFrequency string

const (
	FrequencyManual ScheduleFrequency = "manual"
	FrequencyDaily  ScheduleFrequency = "daily"
	FrequencyWeekly ScheduleFrequency = "weekly"
)

// Schedule maps a recurring cadence to a container or stack target.
type Schedule struct {
	Key       string // container id or stack name
	Frequency ScheduleFrequency
	Time      string // "HH:MM"
	DayOfWeek *int   // 0..6, only meaningful when Frequency == weekly
}
