// Package model defines the persisted entities of the access graph: servers,
// keys, key locations, access events and paths, unreachable sources, agent
// status, sudo events, and the scan/watch control records.
package model

import (
	"strconv"
	"time"
)

// OSType is the operating system family of a scanned server.
type OSType string

const (
	OSLinux OSType = "linux"
	OSAIX   OSType = "aix"
)

// DiscoveredVia records how a Server entry came to exist.
type DiscoveredVia string

const (
	DiscoveredManual DiscoveredVia = "manual"
	DiscoveredScan   DiscoveredVia = "scan"
	DiscoveredImport DiscoveredVia = "import"
)

// Server is a Unix host known to the system.
type Server struct {
	ID             string
	Hostname       string
	IPAddress      string
	SSHPort        int
	OSType         OSType
	OSVersion      *string
	IsReachable    bool
	LastScannedAt  *time.Time
	ScanWatermark  *time.Time
	LastLogSize    *int64
	PreferAgent    bool
	DiscoveredVia  DiscoveredVia
}

// Key returns the server's uniqueness key: (ip_address, ssh_port).
func (s *Server) Key() string {
	return s.IPAddress + ":" + strconv.Itoa(s.SSHPort)
}

// KeyType is the cryptographic family of an SSH key.
type KeyType string

const (
	KeyRSA     KeyType = "rsa"
	KeyED25519 KeyType = "ed25519"
	KeyECDSA   KeyType = "ecdsa"
	KeyDSA     KeyType = "dsa"
	KeyUnknown KeyType = "unknown"
)

// SSHKey is a public key observed on at least one server. Identity is the
// SHA256 fingerprint.
type SSHKey struct {
	ID                string
	FingerprintSHA256 string
	FingerprintMD5    *string
	KeyType           KeyType
	KeyBits           *int
	PublicKeyData     string
	Comment           *string
	IsHostKey         bool
	FirstSeenAt       time.Time
	FileMtime         *time.Time
	EstimatedAgeDays  *int
}

// FileType classifies the file a key (or key location) was found in.
type FileType string

const (
	FileAuthorizedKeys FileType = "authorized_keys"
	FilePublicKey      FileType = "public_key"
	FilePrivateKey     FileType = "private_key"
	FileHostKey        FileType = "host_key"
)

// GraphLayer classifies which layer(s) of the access graph a KeyLocation
// participates in.
type GraphLayer string

const (
	LayerAuthorization GraphLayer = "authorization"
	LayerUsage         GraphLayer = "usage"
	LayerBoth          GraphLayer = "both"
)

// KeyLocation is one sighting of a key at a path on a server.
type KeyLocation struct {
	SSHKeyID        string
	ServerID        string
	FilePath        string
	FileType        FileType
	UnixOwner       *string
	UnixPermissions *string
	GraphLayer      GraphLayer
	FileMtime       *time.Time
	FileSize        *int64
	LastVerifiedAt  *time.Time
}

// EventType classifies an observed SSH authentication attempt.
type EventType string

const (
	EventAccepted     EventType = "accepted"
	EventFailed       EventType = "failed"
	EventInvalidUser  EventType = "invalid_user"
	EventDisconnected EventType = "disconnected"
)

// LogSource identifies which acquisition path produced an AccessEvent.
type LogSource string

const (
	LogSourceSpider  LogSource = "spider"
	LogSourceAgent   LogSource = "agent"
	LogSourceWatcher LogSource = "watcher"
)

// AccessEvent is one parsed authentication attempt. Append-only.
type AccessEvent struct {
	ID             string
	TargetServerID string
	SourceIP       string
	SourceServerID *string
	SSHKeyID       *string
	Fingerprint    *string
	Username       string
	AuthMethod     *string
	EventType      EventType
	EventTime      time.Time
	RawLogLine     string
	LogSource      LogSource
}

// AccessPath is the derived edge of the access graph.
type AccessPath struct {
	ID             string
	SourceServerID *string
	TargetServerID string
	SSHKeyID       *string
	Username       string
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	EventCount     int
	IsActive       bool
	IsAuthorized   bool
	IsUsed         bool
}

// PathKey is the four-tuple identity of an AccessPath, with NULLs preserved
// as empty strings for map-key use (callers must not conflate "" with a real
// empty username, which the model never produces).
type PathKey struct {
	SourceServerID string
	TargetServerID string
	SSHKeyID       string
	Username       string
}

// Key returns the path's uniqueness key.
func (p *AccessPath) Key() PathKey {
	k := PathKey{TargetServerID: p.TargetServerID, Username: p.Username}
	if p.SourceServerID != nil {
		k.SourceServerID = *p.SourceServerID
	}
	if p.SSHKeyID != nil {
		k.SSHKeyID = *p.SSHKeyID
	}
	return k
}

// Severity classifies how concerning an UnreachableSource is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// UnreachableSource is a source IP seen in a reachable target's logs that
// the scanner itself cannot reach.
type UnreachableSource struct {
	ID               string
	SourceIP         string
	ReverseDNS       *string
	Fingerprint      *string
	SSHKeyID         *string
	TargetServerID   string
	Username         *string
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	EventCount       int
	Severity         Severity
	Notes            *string
	Acknowledged     bool
	AcknowledgedBy   *string
}

// DeploymentStatus is the lifecycle state of an on-host Agent.
type DeploymentStatus string

const (
	DeployNotDeployed DeploymentStatus = "not_deployed"
	DeployDeploying   DeploymentStatus = "deploying"
	DeployActive      DeploymentStatus = "active"
	DeployInactive    DeploymentStatus = "inactive"
	DeployError       DeploymentStatus = "error"
)

// AgentStatus tracks the deployed on-host Agent for one server.
type AgentStatus struct {
	ServerID         string
	AgentVersion     *string
	DeploymentStatus DeploymentStatus
	LastHeartbeatAt  *time.Time
	LastEventAt      *time.Time
	AgentTokenHash   string
	Config           map[string]interface{}
	InstalledAt      *time.Time
	ErrorMessage     *string
}

// SudoEvent is one parsed sudo invocation.
type SudoEvent struct {
	ID         string
	ServerID   string
	Username   string
	Command    *string
	TargetUser *string
	WorkingDir *string
	TTY        *string
	EventTime  time.Time
	Success    bool
	RawLogLine string
}

// ScanJobStatus is the lifecycle state of a ScanJob.
type ScanJobStatus string

const (
	ScanJobPending   ScanJobStatus = "pending"
	ScanJobRunning   ScanJobStatus = "running"
	ScanJobCompleted ScanJobStatus = "completed"
	ScanJobFailed    ScanJobStatus = "failed"
	ScanJobCancelled ScanJobStatus = "cancelled"
)

// ScanJob is a control record for one spider run.
type ScanJob struct {
	ID           string
	RootHostname string
	RootPort     int
	MaxDepth     int
	Status       ScanJobStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Error        *string
}

// WatchSessionStatus is the lifecycle state of a WatchSession.
type WatchSessionStatus string

const (
	WatchRunning    WatchSessionStatus = "running"
	WatchConnecting WatchSessionStatus = "connecting"
	WatchBackoff    WatchSessionStatus = "backoff"
	WatchStopped    WatchSessionStatus = "stopped"
)

// WatchSession is a control record for one Log Watcher instance.
type WatchSession struct {
	ID        string
	ServerID  string
	Status    WatchSessionStatus
	StartedAt time.Time
	StoppedAt *time.Time
}
