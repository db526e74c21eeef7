package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Program Monitor: programSubscribe over a Helius-style websocket.
// Account-change notifications for DEX programs are decoded into PoolEvents
// when the account layout looks like a freshly initialized pool.
// ---------------------------------------------------------------------------

// ProgramMonitorConfig configures the program subscription monitor.
type ProgramMonitorConfig struct {
	WSEndpoint       string   `yaml:"ws_endpoint"`
	APIKey           string   `yaml:"api_key"`
	ProgramIDs       []Pubkey `yaml:"program_ids"`
	Commitment       string   `yaml:"commitment"`
	ReconnectDelayMs int      `yaml:"reconnect_delay_ms"`
	PingIntervalS    int      `yaml:"ping_interval_s"`
}

// DefaultProgramMonitorConfig watches Raydium AMM v4 and Orca Whirlpools.
func DefaultProgramMonitorConfig() ProgramMonitorConfig {
	return ProgramMonitorConfig{
		WSEndpoint:       "wss://mainnet.helius-rpc.com",
		ProgramIDs:       []Pubkey{RaydiumAMMProgram, OrcaWhirlpoolProgram},
		Commitment:       "confirmed",
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
	}
}

// PoolEvent is emitted when a pool account initialization is observed.
type PoolEvent struct {
	ProgramID   Pubkey    `json:"program_id"`
	DEX         string    `json:"dex"`
	PoolAddress Pubkey    `json:"pool_address"`
	MintA       Pubkey    `json:"mint_a"`
	MintB       Pubkey    `json:"mint_b"`
	Slot        uint64    `json:"slot"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Account layouts used to recognise pool state accounts.
const (
	raydiumAMMv4Size       = 752
	raydiumBaseMintOffset  = 400
	raydiumQuoteMintOffset = 432

	whirlpoolSize        = 653
	whirlpoolMintAOffset = 101
	whirlpoolMintBOffset = 181
)

// ProgramMonitor subscribes to program account changes and emits pool events.
type ProgramMonitor struct {
	config ProgramMonitorConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]Pubkey // request id -> program id
	subs    map[int64]Pubkey // subscription id -> program id

	events chan PoolEvent
	nextID atomic.Int64

	// Stats.
	messagesRecv  atomic.Int64
	poolsDetected atomic.Int64
	dropped       atomic.Int64
	reconnects    atomic.Int64
	connected     atomic.Bool
}

// NewProgramMonitor creates a monitor. Events are available after Start.
func NewProgramMonitor(config ProgramMonitorConfig) *ProgramMonitor {
	if config.Commitment == "" {
		config.Commitment = "confirmed"
	}
	if config.ReconnectDelayMs <= 0 {
		config.ReconnectDelayMs = 1000
	}
	return &ProgramMonitor{
		config:  config,
		pending: make(map[int64]Pubkey),
		subs:    make(map[int64]Pubkey),
		events:  make(chan PoolEvent, 256),
	}
}

// Start runs the connect/subscribe/read loop in a goroutine. The returned
// channel is closed once ctx is cancelled and the loop exits.
func (m *ProgramMonitor) Start(ctx context.Context) <-chan PoolEvent {
	go m.runLoop(ctx)
	return m.events
}

func (m *ProgramMonitor) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: runLoop panic recovered")
		}
		m.disconnect()
		close(m.events)
	}()

	baseDelay := time.Duration(m.config.ReconnectDelayMs) * time.Millisecond
	delay := baseDelay
	const maxDelay = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.connect(ctx); err != nil {
			m.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("ws: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		delay = baseDelay

		for _, programID := range m.config.ProgramIDs {
			if err := m.subscribe(programID); err != nil {
				log.Warn().Err(err).Str("program", programID.Short()).Msg("ws: subscribe failed")
			}
		}

		m.readLoop(ctx)
		m.disconnect()
	}
}

func (m *ProgramMonitor) endpoint() string {
	if m.config.APIKey == "" {
		return m.config.WSEndpoint
	}
	return fmt.Sprintf("%s/?api-key=%s", m.config.WSEndpoint, m.config.APIKey)
}

func (m *ProgramMonitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.endpoint(), http.Header{})
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.pending = make(map[int64]Pubkey)
	m.subs = make(map[int64]Pubkey)
	m.mu.Unlock()
	m.connected.Store(true)

	log.Info().Str("endpoint", m.config.WSEndpoint).Msg("ws: connected")
	return nil
}

func (m *ProgramMonitor) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
}

// subscribeRequest builds the programSubscribe JSON-RPC request.
func subscribeRequest(id int64, programID Pubkey, commitment string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "programSubscribe",
		"params": []any{
			string(programID),
			map[string]any{
				"encoding":   "base64",
				"commitment": commitment,
			},
		},
	}
}

func (m *ProgramMonitor) subscribe(programID Pubkey) error {
	id := m.nextID.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("ws: not connected")
	}
	if err := m.conn.WriteJSON(subscribeRequest(id, programID, m.config.Commitment)); err != nil {
		return fmt.Errorf("ws: write subscribe: %w", err)
	}
	m.pending[id] = programID

	log.Info().
		Str("program", programID.Short()).
		Str("dex", programDEX(programID)).
		Msg("ws: programSubscribe sent")
	return nil
}

func (m *ProgramMonitor) readLoop(ctx context.Context) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	pingInterval := time.Duration(m.config.PingIntervalS) * time.Second
	if pingInterval == 0 {
		pingInterval = 30 * time.Second
	}

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				m.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				m.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("ws: ping failed")
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("ws: read error, reconnecting")
			}
			m.connected.Store(false)
			return
		}
		m.messagesRecv.Add(1)
		if ev, ok := m.handleMessage(message); ok {
			m.emit(ctx, ev)
		}
	}
}

func (m *ProgramMonitor) emit(ctx context.Context, ev PoolEvent) {
	select {
	case m.events <- ev:
		m.poolsDetected.Add(1)
		log.Info().
			Str("pool", string(ev.PoolAddress)).
			Str("dex", ev.DEX).
			Uint64("slot", ev.Slot).
			Msg("ws: pool initialization detected")
	case <-ctx.Done():
	default:
		m.dropped.Add(1)
		log.Warn().Msg("ws: event channel full, dropping pool event")
	}
}

// handleMessage parses one frame. Subscription acks update the subscription
// table; malformed or unrelated payloads are logged and dropped.
func (m *ProgramMonitor) handleMessage(data []byte) (ev PoolEvent, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: handleMessage panic recovered")
			ok = false
		}
	}()

	var msg struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Method string          `json:"method"`
		Params struct {
			Subscription int64 `json:"subscription"`
			Result       struct {
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
				Value struct {
					Pubkey  string `json:"pubkey"`
					Account struct {
						Data  []string `json:"data"`
						Owner string   `json:"owner"`
					} `json:"account"`
				} `json:"value"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		m.dropped.Add(1)
		log.Debug().Err(err).Int("bytes", len(data)).Msg("ws: dropping unparseable message")
		return PoolEvent{}, false
	}

	if msg.Method == "" {
		var subID int64
		if msg.ID != 0 && json.Unmarshal(msg.Result, &subID) == nil {
			m.mu.Lock()
			if programID, found := m.pending[msg.ID]; found {
				delete(m.pending, msg.ID)
				m.subs[subID] = programID
			}
			m.mu.Unlock()
			log.Debug().Int64("sub_id", subID).Msg("ws: subscription confirmed")
		}
		return PoolEvent{}, false
	}
	if msg.Method != "programNotification" {
		return PoolEvent{}, false
	}

	m.mu.Lock()
	programID := m.subs[msg.Params.Subscription]
	m.mu.Unlock()
	if programID == "" {
		programID = Pubkey(msg.Params.Result.Value.Account.Owner)
	}

	acct := msg.Params.Result.Value.Account
	if len(acct.Data) < 2 || acct.Data[1] != "base64" {
		m.dropped.Add(1)
		log.Debug().Str("program", programID.Short()).Msg("ws: dropping notification with unexpected encoding")
		return PoolEvent{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(acct.Data[0])
	if err != nil {
		m.dropped.Add(1)
		log.Debug().Err(err).Msg("ws: dropping notification with bad base64")
		return PoolEvent{}, false
	}

	mintA, mintB, found := decodePoolMints(programID, raw)
	if !found {
		return PoolEvent{}, false
	}
	return PoolEvent{
		ProgramID:   programID,
		DEX:         programDEX(programID),
		PoolAddress: Pubkey(msg.Params.Result.Value.Pubkey),
		MintA:       mintA,
		MintB:       mintB,
		Slot:        msg.Params.Result.Context.Slot,
		DetectedAt:  time.Now(),
	}, true
}

// decodePoolMints extracts the two token mints from a pool state account.
func decodePoolMints(programID Pubkey, raw []byte) (Pubkey, Pubkey, bool) {
	var offA, offB int
	switch {
	case programID == RaydiumAMMProgram && len(raw) == raydiumAMMv4Size:
		offA, offB = raydiumBaseMintOffset, raydiumQuoteMintOffset
	case programID == OrcaWhirlpoolProgram && len(raw) == whirlpoolSize:
		offA, offB = whirlpoolMintAOffset, whirlpoolMintBOffset
	default:
		return "", "", false
	}
	a := raw[offA : offA+PubkeyLen]
	b := raw[offB : offB+PubkeyLen]
	if isZero(a) || isZero(b) {
		return "", "", false
	}
	return Pubkey(base58.Encode(a)), Pubkey(base58.Encode(b)), true
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func programDEX(programID Pubkey) string {
	switch programID {
	case RaydiumAMMProgram:
		return "raydium"
	case OrcaWhirlpoolProgram:
		return "orca"
	default:
		return "unknown"
	}
}

// ProgramMonitorStats returns monitor statistics.
type ProgramMonitorStats struct {
	Connected     bool  `json:"connected"`
	Subscriptions int   `json:"subscriptions"`
	MessagesRecv  int64 `json:"messages_recv"`
	PoolsDetected int64 `json:"pools_detected"`
	Dropped       int64 `json:"dropped"`
	Reconnects    int64 `json:"reconnects"`
}

func (m *ProgramMonitor) Stats() ProgramMonitorStats {
	m.mu.Lock()
	subs := len(m.subs)
	m.mu.Unlock()
	return ProgramMonitorStats{
		Connected:     m.connected.Load(),
		Subscriptions: subs,
		MessagesRecv:  m.messagesRecv.Load(),
		PoolsDetected: m.poolsDetected.Load(),
		Dropped:       m.dropped.Load(),
		Reconnects:    m.reconnects.Load(),
	}
}
