// Package client provides a thread-safe TCP client for StormKV. It maps
// the binary wire protocol to idiomatic Go methods and handles
// connection lifecycle, timeouts, and error mapping.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"stormkv/journal"
	"stormkv/protocol"
)

// --- Errors ---

var (
	// ErrNotFound is returned when a requested key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrWrongType is returned when the key holds a value of another type.
	ErrWrongType = errors.New("value has the wrong type")
	// ErrServerBusy is returned when the server is at maximum capacity.
	ErrServerBusy = errors.New("server is busy")
	// ErrEntityTooLarge is returned when the payload exceeds the server's buffer limits.
	ErrEntityTooLarge = errors.New("entity too large")
	// ErrConnection is returned for network-level failures (timeouts, resets).
	ErrConnection = errors.New("connection error")
)

// ServerError represents a generic error returned by the server
// containing a human-readable message.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// mapStatusToError converts a raw protocol status byte into a typed Go error.
func mapStatusToError(status byte, body []byte) error {
	switch status {
	case protocol.ResStatusOK:
		return nil
	case protocol.ResStatusErr:
		return &ServerError{Message: string(body)}
	case protocol.ResStatusNotFound:
		return ErrNotFound
	case protocol.ResStatusWrongType:
		return ErrWrongType
	case protocol.ResStatusServerBusy:
		return ErrServerBusy
	case protocol.ResStatusEntityTooLarge:
		return ErrEntityTooLarge
	default:
		return fmt.Errorf("unknown server status code: 0x%02x, body: %s", status, string(body))
	}
}

// --- Client Implementation ---

// Config holds the connection settings for the client.
type Config struct {
	// Address is the host:port of the StormKV server (e.g., "localhost:6480").
	Address string

	// ConnectTimeout limits how long the client waits to establish the TCP connection.
	// Default: 5 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout limits how long the client waits for a server response.
	// Default: 0 (No timeout).
	ReadTimeout time.Duration

	// WriteTimeout limits how long the client waits to send a request.
	// Default: 0 (No timeout).
	WriteTimeout time.Duration

	// TLSConfig contains the TLS credentials. If nil, the client uses a
	// plaintext TCP connection.
	TLSConfig *tls.Config

	// Logger allows injecting a structured logger (slog).
	// If nil, logging is discarded.
	Logger *slog.Logger
}

// Client is a thread-safe, synchronous StormKV client. It manages a
// single persistent TCP connection. Use a pool of Clients for high
// concurrency.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	config Config
	logger *slog.Logger
}

// NewClient creates a new client and attempts to connect immediately.
// Returns an error if the connection fails.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := &Client{
		config: cfg,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, err
	}

	return client, nil
}

// NewTLSClientHelper is a convenience constructor for a TLS-secured
// client. It reads the CA file from disk and sets up the TLS config;
// cert and key files are optional and enable mutual authentication.
func NewTLSClientHelper(addr, caFile, certFile, keyFile string, logger *slog.Logger) (*Client, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate PEM")
	}

	tlsConfig := &tls.Config{RootCAs: caCertPool}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return NewClient(Config{
		Address:   addr,
		TLSConfig: tlsConfig,
		Logger:    logger,
	})
}

// connect establishes the underlying TCP/TLS connection.
func (c *Client) connect() error {
	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	var err error
	var conn net.Conn

	if c.config.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.config.Address, c.config.TLSConfig)
	} else {
		conn, err = dialer.Dial("tcp", c.config.Address)
	}

	if err != nil {
		c.logger.Error("Connection failed", "addr", c.config.Address, "err", err)
		return err
	}

	c.conn = conn
	c.logger.Info("Connected", "addr", c.config.Address)
	return nil
}

// Close gracefully terminates the TCP connection.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.logger.Info("Closing connection", "addr", c.config.Address)
		return c.conn.Close()
	}
	return nil
}

// roundTrip handles the low-level request/response cycle. It serializes
// the request, sends it, reads the response, and maps status codes to
// errors. A mutex keeps command execution atomic on the shared
// connection.
func (c *Client) roundTrip(op byte, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrConnection
	}

	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if c.config.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	reqHeader := make([]byte, protocol.ProtoHeaderSize)
	reqHeader[0] = op
	binary.BigEndian.PutUint32(reqHeader[1:], uint32(len(payload)))

	if _, err := c.conn.Write(reqHeader); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("%w: write header failed: %v", ErrConnection, err)
	}

	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			c.conn.Close()
			c.conn = nil
			return nil, fmt.Errorf("%w: write payload failed: %v", ErrConnection, err)
		}
	}

	respHeader := make([]byte, protocol.ProtoHeaderSize)
	if _, err := io.ReadFull(c.conn, respHeader); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("%w: read header failed: %v", ErrConnection, err)
	}

	status := respHeader[0]
	length := binary.BigEndian.Uint32(respHeader[1:])

	var body []byte
	if length > 0 {
		body = make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.conn.Close()
			c.conn = nil
			return nil, fmt.Errorf("%w: read body failed: %v", ErrConnection, err)
		}
	}

	return body, mapStatusToError(status, body)
}

// keyValPayload packs a [keyLen u32][key][val] request body.
func keyValPayload(key string, val []byte) []byte {
	payload := make([]byte, 4+len(key)+len(val))
	binary.BigEndian.PutUint32(payload, uint32(len(key)))
	copy(payload[4:], key)
	copy(payload[4+len(key):], val)
	return payload
}

// --- Commands ---

// Ping sends a health check request. Returns nil if the server responds "PONG".
func (c *Client) Ping() error {
	_, err := c.roundTrip(protocol.OpCodePing, nil)
	return err
}

// Select changes the active database of the connection.
func (c *Client) Select(db int) error {
	_, err := c.roundTrip(protocol.OpCodeSelect, []byte(strconv.Itoa(db)))
	return err
}

// Set stores val under key, replacing any previous value.
func (c *Client) Set(key string, val []byte) error {
	if !protocol.IsASCII(key) {
		return fmt.Errorf("key must contain only ASCII characters")
	}
	_, err := c.roundTrip(protocol.OpCodeSet, keyValPayload(key, val))
	return err
}

// Get retrieves the value stored under key.
func (c *Client) Get(key string) ([]byte, error) {
	return c.roundTrip(protocol.OpCodeGet, []byte(key))
}

// Append extends the string at key and returns its new length.
func (c *Client) Append(key string, val []byte) (int, error) {
	body, err := c.roundTrip(protocol.OpCodeAppend, keyValPayload(key, val))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(body))
}

// Del removes key. ErrNotFound is returned when it did not exist.
func (c *Client) Del(key string) error {
	_, err := c.roundTrip(protocol.OpCodeDel, []byte(key))
	return err
}

// ExpireAt arms an absolute millisecond deadline on key.
func (c *Client) ExpireAt(key string, atMillis int64) error {
	payload := keyValPayload(key, make([]byte, 8))
	binary.BigEndian.PutUint64(payload[4+len(key):], uint64(atMillis))
	_, err := c.roundTrip(protocol.OpCodeExpire, payload)
	return err
}

// Stick pins key's value in memory, excluding it from tiered offload.
func (c *Client) Stick(key string) error {
	_, err := c.roundTrip(protocol.OpCodeStick, []byte(key))
	return err
}

// HSet writes hash fields, returning the number of newly created fields.
func (c *Client) HSet(key string, fields map[string]string) (int, error) {
	payload := keyValPayload(key, nil)
	scratch := make([]byte, 4)
	for f, v := range fields {
		binary.BigEndian.PutUint32(scratch, uint32(len(f)))
		payload = append(payload, scratch...)
		payload = append(payload, f...)
		binary.BigEndian.PutUint32(scratch, uint32(len(v)))
		payload = append(payload, scratch...)
		payload = append(payload, v...)
	}
	body, err := c.roundTrip(protocol.OpCodeHSet, payload)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(body))
}

// HGetAll returns every field of the hash stored at key.
func (c *Client) HGetAll(key string) (map[string]string, error) {
	body, err := c.roundTrip(protocol.OpCodeHGetAll, []byte(key))
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: truncated hash response", ErrConnection)
		}
		fLen := binary.BigEndian.Uint32(body[:4])
		if uint32(len(body)-4) < fLen+4 {
			return nil, fmt.Errorf("%w: truncated hash response", ErrConnection)
		}
		f := string(body[4 : 4+fLen])
		body = body[4+fLen:]
		vLen := binary.BigEndian.Uint32(body[:4])
		if uint32(len(body)-4) < vLen {
			return nil, fmt.Errorf("%w: truncated hash response", ErrConnection)
		}
		fields[f] = string(body[4 : 4+vLen])
		body = body[4+vLen:]
	}
	return fields, nil
}

// Restore installs a dumped value under key.
func (c *Client) Restore(key string, dump []byte) error {
	_, err := c.roundTrip(protocol.OpCodeRestore, keyValPayload(key, dump))
	return err
}

// FlushDb drops every key of the selected database and returns how many
// were removed.
func (c *Client) FlushDb() (int, error) {
	body, err := c.roundTrip(protocol.OpCodeFlushDb, nil)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(body))
}

// Stat returns a human-readable statistics line.
func (c *Client) Stat() (string, error) {
	body, err := c.roundTrip(protocol.OpCodeStat, nil)
	return string(body), err
}

// IdxCreate registers a search index over keys with the given prefix.
// The schema uses the textual form accepted by search.ParseSchema.
func (c *Client) IdxCreate(name, prefix, schema string) error {
	payload := keyValPayload(name, nil)
	payload = append(payload, keyValPayload(prefix, nil)...)
	payload = append(payload, schema...)
	_, err := c.roundTrip(protocol.OpCodeIdxCreate, payload)
	return err
}

// IdxDrop removes a search index.
func (c *Client) IdxDrop(name string) error {
	_, err := c.roundTrip(protocol.OpCodeIdxDrop, []byte(name))
	return err
}

// IdxSearch runs a query and returns the matching keys. params carries
// query placeholders such as KNN vectors.
func (c *Client) IdxSearch(name, query string, params map[string][]byte) ([]string, error) {
	payload := keyValPayload(name, nil)
	payload = append(payload, keyValPayload(query, nil)...)
	for pn, pv := range params {
		payload = append(payload, keyValPayload(pn, nil)...)
		payload = append(payload, keyValPayload(string(pv), nil)...)
	}
	body, err := c.roundTrip(protocol.OpCodeIdxSearch, payload)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var keys []string
	start := 0
	for i := 0; i <= len(body); i++ {
		if i == len(body) || body[i] == '\n' {
			keys = append(keys, string(body[start:i]))
			start = i + 1
		}
	}
	return keys, nil
}

// --- Replication Subscriber ---

// BatchHandler receives decoded journal entries of one shard stream.
type BatchHandler func(shardID uint32, entries []journal.Entry) error

// batchReader feeds demultiplexed batch payloads into a per-shard
// journal decoder. It signals want each time the decoder has consumed
// every byte handed to it and waits for the next batch.
type batchReader struct {
	ch   chan []byte
	want chan struct{}
	cur  []byte
}

func (b *batchReader) Read(p []byte) (int, error) {
	for len(b.cur) == 0 {
		b.want <- struct{}{}
		batch, ok := <-b.ch
		if !ok {
			return 0, io.EOF
		}
		b.cur = batch
	}
	n := copy(p, b.cur)
	b.cur = b.cur[n:]
	return n, nil
}

// Subscribe performs the replication handshake and invokes handler for
// every decoded batch until the connection drops or handler errors. It
// consumes the connection; the client must be closed afterwards.
func (c *Client) Subscribe(handler BatchHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrConnection
	}

	reqHeader := make([]byte, protocol.ProtoHeaderSize)
	reqHeader[0] = protocol.OpCodeReplHello
	if _, err := c.conn.Write(reqHeader); err != nil {
		return fmt.Errorf("%w: handshake failed: %v", ErrConnection, err)
	}

	c.conn.SetReadDeadline(time.Time{})

	type shardStream struct {
		reader  *batchReader
		entries chan journal.Entry
		errs    chan error
	}
	streams := make(map[uint32]*shardStream)
	defer func() {
		for _, st := range streams {
			close(st.reader.ch)
		}
	}()

	header := make([]byte, protocol.ProtoHeaderSize)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			return fmt.Errorf("%w: read stream failed: %v", ErrConnection, err)
		}
		length := binary.BigEndian.Uint32(header[1:])
		if length > protocol.MaxCommandSize {
			return fmt.Errorf("%w: oversized batch", ErrConnection)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return fmt.Errorf("%w: read stream failed: %v", ErrConnection, err)
		}

		switch header[0] {
		case protocol.ResStatusOK:
			// Handshake acknowledgement.
			continue
		case protocol.ResStatusErr:
			return &ServerError{Message: string(body)}
		case protocol.OpCodeReplBatch:
		default:
			return fmt.Errorf("%w: unexpected frame 0x%02x", ErrConnection, header[0])
		}

		if len(body) < 4 {
			return fmt.Errorf("%w: truncated batch", ErrConnection)
		}
		shardID := binary.BigEndian.Uint32(body[:4])
		data := body[4:]

		st, ok := streams[shardID]
		if !ok {
			// The decoder is stateful per shard stream, so each shard
			// gets its own goroutine fed through a channel reader.
			st = &shardStream{
				reader:  &batchReader{ch: make(chan []byte, 16), want: make(chan struct{}, 1)},
				entries: make(chan journal.Entry, 256),
				errs:    make(chan error, 1),
			}
			streams[shardID] = st
			go func() {
				dec := journal.NewDecoder(st.reader)
				for {
					e, err := dec.ReadEntry()
					if err != nil {
						if err != io.EOF {
							st.errs <- err
						}
						close(st.entries)
						return
					}
					st.entries <- e
				}
			}()
			<-st.reader.want
		}
		st.reader.ch <- data

		var entries []journal.Entry
	drain:
		for {
			select {
			case e := <-st.entries:
				entries = append(entries, e)
			case err := <-st.errs:
				return fmt.Errorf("decode shard %d: %w", shardID, err)
			case <-st.reader.want:
				// The decoder consumed the whole batch; every entry it
				// decoded from it is already queued.
				for {
					select {
					case e := <-st.entries:
						entries = append(entries, e)
					default:
						break drain
					}
				}
			}
		}
		if len(entries) > 0 {
			if err := handler(shardID, entries); err != nil {
				return err
			}
		}
	}
}
