package rpc

// Wire messages of the sideload.broker.v1.Broker service.

type Empty struct{}

type InfoResponse struct {
	Version string `json:"version"`
	UID     int    `json:"uid"`
}

type PermissionStatus struct {
	Granted bool `json:"granted"`
	// Rationale is true when the caller was denied and must not be asked
	// again.
	Rationale bool `json:"rationale"`
}

type PermissionRequest struct {
	Ticket int `json:"ticket"`
}

type PermissionEvent struct {
	Ticket  int  `json:"ticket"`
	Granted bool `json:"granted"`
}

type CreateSessionRequest struct {
	InstallerPackage string `json:"installer_package"`
	UserID           int    `json:"user_id"`
	Flags            int    `json:"flags"`
	AppPackageName   string `json:"app_package_name,omitempty"`
}

type SessionRef struct {
	SessionID int `json:"session_id"`
}

type OpenWriteRequest struct {
	SessionID int    `json:"session_id"`
	Name      string `json:"name"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
}

type HandleRef struct {
	Handle string `json:"handle"`
}

type WriteRequest struct {
	Handle string `json:"handle"`
	Data   []byte `json:"data"`
}

type WriteResponse struct {
	Written int `json:"written"`
}

// CommitEvent is sent on the Commit stream: first an acceptance, then
// exactly one result.
type CommitEvent struct {
	Accepted bool          `json:"accepted,omitempty"`
	Result   *CommitStatus `json:"result,omitempty"`
}

type CommitStatus struct {
	SessionID   int    `json:"session_id"`
	Status      int    `json:"status"`
	Message     string `json:"message,omitempty"`
	PackageName string `json:"package_name,omitempty"`
}
