package session

import "fmt"

// Kind distinguishes which server a session-scoped event concerns, per
// spec §4.5's LWM2M_SESSION_TYPE_START{bootstrap|dm} tag.
type Kind int

const (
	KindBootstrap Kind = iota
	KindDM
)

func (k Kind) String() string {
	if k == KindBootstrap {
		return "bootstrap"
	}
	return "dm"
}

// EventType enumerates the strict status stream spec §4.5 describes.
type EventType int

const (
	EventInitialized EventType = iota
	EventAuthenticationStarted
	EventAuthenticationFailed
	EventSessionStarted
	EventSessionTypeStart
	EventSessionFailed
	EventSessionFinished
	EventPackageDownloadStarted
	EventPackageDownloadFinished
	EventPackageDownloadFailed
	EventDownloadProgress
	EventUpdateStarted
	EventUpdateFinished
	EventUpdateFailed
	EventAgreementAsk
	EventAgreementAccepted
	EventFallbackStarted
	EventSessionInactive
)

func (t EventType) String() string {
	switch t {
	case EventInitialized:
		return "INITIALIZED"
	case EventAuthenticationStarted:
		return "AUTHENTICATION_STARTED"
	case EventAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case EventSessionStarted:
		return "SESSION_STARTED"
	case EventSessionTypeStart:
		return "LWM2M_SESSION_TYPE_START"
	case EventSessionFailed:
		return "SESSION_FAILED"
	case EventSessionFinished:
		return "SESSION_FINISHED"
	case EventPackageDownloadStarted:
		return "PACKAGE_DOWNLOAD_STARTED"
	case EventPackageDownloadFinished:
		return "PACKAGE_DOWNLOAD_FINISHED"
	case EventPackageDownloadFailed:
		return "PACKAGE_DOWNLOAD_FAILED"
	case EventDownloadProgress:
		return "DOWNLOAD_PROGRESS"
	case EventUpdateStarted:
		return "UPDATE_STARTED"
	case EventUpdateFinished:
		return "UPDATE_FINISHED"
	case EventUpdateFailed:
		return "UPDATE_FAILED"
	case EventAgreementAsk:
		return "AGREEMENT_ASK"
	case EventAgreementAccepted:
		return "AGREEMENT_ACCEPTED"
	case EventFallbackStarted:
		return "FALLBACK_STARTED"
	case EventSessionInactive:
		return "LWM2M_SESSION_INACTIVE"
	default:
		return "UNKNOWN_EVENT"
	}
}

// Event is one status notification, carrying whichever of the optional
// fields apply to its Type.
type Event struct {
	Type     EventType
	Kind     Kind
	ServerID uint16
	Progress int   // DOWNLOAD_PROGRESS: percent complete
	Err      error // *_FAILED events: the failure reason, if known
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s, server=%d): %v", e.Type, e.Kind, e.ServerID, e.Err)
	}
	return fmt.Sprintf("%s(%s, server=%d)", e.Type, e.Kind, e.ServerID)
}

// Callback receives every event the Session Manager emits, in order.
type Callback func(Event)
