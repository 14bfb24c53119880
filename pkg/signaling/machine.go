package signaling

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/correlator"
	"github.com/foxford/conference/pkg/waitlist"
)

// State is the signaling lifecycle of one stream negotiation, tracked
// in memory only — it is never persisted, since it describes an
// in-flight handshake rather than durable room state.
type State int

const (
	StateIdle State = iota
	StateAwaitingBackend
	StateAwaitingPluginResponse
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBackend:
		return "awaiting_backend"
	case StateAwaitingPluginResponse:
		return "awaiting_plugin_response"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// negotiation tracks one agent's RTC signaling progress for diagnostics
// and so Trickle can find the backend. A second concurrent Create/Read
// for the same key is not rejected; it replaces the entry.
type negotiation struct {
	state     State
	backendID backend.AgentID
}

// negotiationKey identifies one in-flight negotiation: an agent signaling
// into a specific RTC.
type negotiationKey struct {
	rtcID   string
	agentID AccountID
}

const (
	MethodStreamCreate       = "stream.create"
	MethodStreamRead         = "stream.read"
	methodReaderConfigUpdate = "janus_conference_rtc_reader_config.update"
	methodWriterConfigUpdate = "janus_conference_rtc_writer_config.update"
)

// PluginReply is what a resumed Create/Read request receives once the
// backend's asynchronous plugin response arrives over the Janus long
// poll or the external stream callback.
type PluginReply struct {
	Jsep  []byte
	Error error
}

// Machine drives the Create/Read/Trickle/AgentLeave/reader-writer-config
// operations of rtc signaling: selecting a backend, submitting the
// offer, and suspending the caller until the asynchronous plugin
// response resumes it.
type Machine struct {
	Store    *Store
	Registry *backend.Registry
	Pool     *backend.Pool
	Waitlist *waitlist.Waitlist[PluginReply]
	Watchdog *correlator.Watchdog

	DefaultTimeout      time.Duration
	StreamUploadTimeout time.Duration

	mu           sync.Mutex
	negotiations map[negotiationKey]*negotiation
}

func NewMachine(store *Store, registry *backend.Registry, pool *backend.Pool, wl *waitlist.Waitlist[PluginReply], wd *correlator.Watchdog, defaultTimeout, streamUploadTimeout time.Duration) *Machine {
	return &Machine{
		Store:               store,
		Registry:            registry,
		Pool:                pool,
		Waitlist:            wl,
		Watchdog:            wd,
		DefaultTimeout:      defaultTimeout,
		StreamUploadTimeout: streamUploadTimeout,
		negotiations:        make(map[negotiationKey]*negotiation),
	}
}

func (m *Machine) setState(key negotiationKey, s State, backendID backend.AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations[key] = &negotiation{state: s, backendID: backendID}
}

func (m *Machine) clearState(key negotiationKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.negotiations, key)
}

// State reports the in-flight negotiation state for (rtcID, agentID), or
// StateIdle if none is in flight.
func (m *Machine) State(rtcID string, agentID AccountID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.negotiations[negotiationKey{rtcID: rtcID, agentID: agentID}]
	if !ok {
		return StateIdle
	}
	return n.state
}

// CreateRequest is the input to Create: a fresh offer sent by agentID
// into rtcID, which must belong to a room agentID is present in.
type CreateRequest struct {
	RTCID   string
	AgentID AccountID
	Label   string
	SDP     []byte
	Group   *string
}

// Create selects a backend for rtcID, opens or reuses its handle, and
// submits the offer, suspending until the asynchronous plugin reply
// resumes the caller via Fire. The returned answer is the reply's Jsep.
func (m *Machine) Create(ctx context.Context, req CreateRequest) ([]byte, error) {
	return m.negotiate(ctx, req, MethodStreamCreate)
}

// Read behaves like Create but for reading an already-published stream;
// it does not create a new janus_rtc_stream row.
func (m *Machine) Read(ctx context.Context, req CreateRequest) ([]byte, error) {
	return m.negotiate(ctx, req, MethodStreamRead)
}

func (m *Machine) negotiate(ctx context.Context, req CreateRequest, method string) ([]byte, error) {
	key := negotiationKey{rtcID: req.RTCID, agentID: req.AgentID}

	rtc, err := m.Store.ReadRTC(ctx, req.RTCID)
	if err != nil {
		return nil, err
	}
	if _, err := m.Store.ReadRoom(ctx, rtc.RoomID, RoomTimeNotClosedOrUnboundedOpen); err != nil {
		return nil, err
	}
	if err := m.Store.CheckPresence(ctx, rtc.RoomID, req.AgentID); err != nil {
		return nil, err
	}

	m.setState(key, StateAwaitingBackend, backend.AgentID{})
	defer m.clearState(key)

	record, err := m.Registry.Select(ctx, backend.SelectionCriteria{Group: req.Group})
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindBackendUnavailable, "no backend available")
	}
	m.setState(key, StateAwaitingPluginResponse, record.AgentID)

	client := m.Pool.GetOrInsert(ctx, *record)

	handle := m.Waitlist.Register()
	rc := correlator.RequestContext{
		Method:          method,
		CorrelationData: correlationData(handle.ID()),
		StartedAt:       time.Now().UTC(),
	}
	var token correlator.Token
	if method == MethodStreamRead {
		token = correlator.NewReadStream(rc)
	} else {
		token = correlator.NewCreateStream(rc)
	}

	timeout := correlator.MethodTimeout(method, m.DefaultTimeout, m.StreamUploadTimeout)
	if m.Watchdog != nil {
		m.Watchdog.Watch(correlationData(handle.ID()), method, nil, timeout)
		defer m.Watchdog.Resolve(correlationData(handle.ID()))
	}

	body := map[string]any{"jsep": jsonRawOrNil(req.SDP)}
	if err := client.Message(ctx, record.SessionID, record.HandleID, method, body, token); err != nil {
		return nil, apperror.Wrap(err, apperror.KindBackendRequestFailed, "submit offer")
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := m.Waitlist.Wait(waitCtx, handle)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindTimeout, "backend did not reply in time")
	}
	if reply.Error != nil {
		return nil, apperror.Wrap(reply.Error, apperror.KindBackendRequestFailed, "plugin rejected offer")
	}

	if method == MethodStreamCreate {
		if _, err := m.Store.StartStream(ctx, req.RTCID, record.AgentID, req.Label, req.AgentID); err != nil {
			return nil, err
		}
	}

	return reply.Jsep, nil
}

// Trickle forwards an ICE candidate to the backend holding the handle
// for (rtcID, agentID); it is fire-and-forget and does not suspend.
func (m *Machine) Trickle(ctx context.Context, rtcID string, agentID AccountID, candidate any) error {
	m.mu.Lock()
	n, ok := m.negotiations[negotiationKey{rtcID: rtcID, agentID: agentID}]
	m.mu.Unlock()
	if !ok {
		return apperror.New(apperror.KindConflict, "no negotiation in flight for this rtc")
	}

	client, ok := m.Pool.Get(n.backendID)
	if !ok {
		return apperror.New(apperror.KindBackendUnavailable, "backend not connected")
	}
	record, err := m.Registry.Find(ctx, n.backendID)
	if err != nil {
		return err
	}
	if record == nil {
		return apperror.New(apperror.KindBackendUnavailable, "backend not registered")
	}

	if err := client.Trickle(ctx, record.HandleID, candidate); err != nil {
		return apperror.Wrap(err, apperror.KindBackendRequestFailed, "trickle candidate")
	}
	return nil
}

// AgentLeave tells record's backend that agentID left, without awaiting
// a reply.
func (m *Machine) AgentLeave(ctx context.Context, record backend.Record, agentID AccountID) error {
	client, ok := m.Pool.Get(record.AgentID)
	if !ok {
		return apperror.New(apperror.KindBackendUnavailable, "backend not connected")
	}
	if err := client.AgentLeave(ctx, record.SessionID, record.HandleID, backend.AgentID{Label: agentID.Label, Audience: agentID.Audience}); err != nil {
		return apperror.Wrap(err, apperror.KindBackendRequestFailed, "agent leave")
	}
	return nil
}

// UpdateReaderConfig pushes a new reader-config body to record's
// handle and awaits the synchronous ack (no suspension, unlike
// Create/Read).
func (m *Machine) UpdateReaderConfig(ctx context.Context, record backend.Record, configs []ReaderConfigEntry) error {
	return m.updateConfig(ctx, record, methodReaderConfigUpdate, correlator.KindUpdateReaderConfig, configs)
}

// UpdateWriterConfig pushes a new writer-config body to record's
// handle.
func (m *Machine) UpdateWriterConfig(ctx context.Context, record backend.Record, configs []WriterConfigEntry) error {
	return m.updateConfig(ctx, record, methodWriterConfigUpdate, correlator.KindUpdateWriterConfig, configs)
}

func (m *Machine) updateConfig(ctx context.Context, record backend.Record, method string, kind correlator.Kind, configs any) error {
	client, ok := m.Pool.Get(record.AgentID)
	if !ok {
		return apperror.New(apperror.KindBackendUnavailable, "backend not connected")
	}
	body := map[string]any{"config": configs}
	token := correlator.NewSimple(kind)
	if err := client.Message(ctx, record.SessionID, record.HandleID, method, body, token); err != nil {
		return apperror.Wrap(err, apperror.KindBackendRequestFailed, "update config")
	}
	return nil
}

// ReaderConfigEntry is one entry of a reader-config update body.
type ReaderConfigEntry struct {
	ReaderLabel  string `json:"reader_id"`
	RTCID        string `json:"rtc_id"`
	ReceiveVideo bool   `json:"receive_video"`
	ReceiveAudio bool   `json:"receive_audio"`
}

// WriterConfigEntry is one entry of a writer-config update body.
type WriterConfigEntry struct {
	RTCID        string `json:"rtc_id"`
	SendVideo    bool   `json:"send_video"`
	SendAudio    bool   `json:"send_audio"`
	VideoBitrate *int32 `json:"video_bitrate,omitempty"`
}

func correlationData(id uint64) string {
	return "wl:" + strconv.FormatUint(id, 10)
}

// ParseWaitlistID recovers the waitlist handle id a reply carries its
// correlation data under, reversing correlationData's "wl:<n>" form.
// Exported so the backend long-poll drain loop and the external stream
// callback handler share one parser instead of each reimplementing it.
func ParseWaitlistID(correlationData string) (uint64, error) {
	const prefix = "wl:"
	if !strings.HasPrefix(correlationData, prefix) {
		return 0, apperror.New(apperror.KindInvalidInput, "malformed correlation id").WithDetail(correlationData)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(correlationData, prefix), 10, 64)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.KindInvalidInput, "malformed correlation id")
	}
	return id, nil
}

func jsonRawOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return rawJSON(b)
}

// rawJSON marshals as-is, used to embed an already-encoded jsep blob
// into the outer message body without re-escaping it.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return r, nil
}
