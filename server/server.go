package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"stormkv/protocol"
	"stormkv/search"
	"stormkv/shard"
)

type Server struct {
	store            *shard.Store
	addr             string
	logger           *slog.Logger
	listener         net.Listener
	maxConns         int
	sem              chan struct{}
	wg               sync.WaitGroup
	totalConns       uint64
	activeConns      int64
	tlsConfig        *tls.Config
	tlsCertFile      string
	tlsKeyFile       string
	tlsCAFile        string
	currentTLSConfig atomic.Value
}

// NewServer builds a server over store. TLS is enabled when both cert
// and key are given; a CA file additionally demands client certificates.
func NewServer(addr string, store *shard.Store, logger *slog.Logger, maxConns int, tlsCert, tlsKey, tlsCA string) (*Server, error) {
	s := &Server{
		addr:        addr,
		store:       store,
		logger:      logger,
		maxConns:    maxConns,
		sem:         make(chan struct{}, maxConns),
		tlsCertFile: tlsCert,
		tlsKeyFile:  tlsKey,
		tlsCAFile:   tlsCA,
	}

	if tlsCert != "" || tlsKey != "" {
		if tlsCert == "" || tlsKey == "" {
			return nil, fmt.Errorf("tls cert and key must be set together")
		}
		if err := s.ReloadTLS(); err != nil {
			return nil, err
		}
		s.tlsConfig = &tls.Config{
			GetConfigForClient: func(hi *tls.ClientHelloInfo) (*tls.Config, error) {
				return s.currentTLSConfig.Load().(*tls.Config), nil
			},
			MinVersion: tls.VersionTLS12,
		}
	}

	return s, nil
}

func (s *Server) ReloadTLS() error {
	cert, err := tls.LoadX509KeyPair(s.tlsCertFile, s.tlsKeyFile)
	if err != nil {
		return err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if s.tlsCAFile != "" {
		caCert, err := os.ReadFile(s.tlsCAFile)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	s.currentTLSConfig.Store(cfg)
	return nil
}

// Listen binds the server socket. Run calls it when the socket is not
// bound yet; callers that need the bound address before accepting call
// it first and read Addr.
func (s *Server) Listen() error {
	var ln net.Listener
	var err error
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.listener
	s.logger.Info("Server listening", "addr", s.Addr(), "shards", s.store.ShardCount(), "tls", s.tlsConfig != nil)

	go s.handleSignals(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			s.logger.Error("Accept error", "err", err)
			continue
		}

		atomic.AddUint64(&s.totalConns, 1)
		select {
		case s.sem <- struct{}{}:
			atomic.AddInt64(&s.activeConns, 1)
			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		default:
			s.writeBinaryResponse(conn, protocol.ResStatusServerBusy, []byte("Max connections"))
			conn.Close()
		}
	}
}

func (s *Server) handleSignals(ctx context.Context) {
	if s.tlsConfig == nil {
		return
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			s.logger.Info("Reloading TLS...")
			if err := s.ReloadTLS(); err != nil {
				s.logger.Error("TLS reload failed", "err", err)
			}
		}
	}
}

type connState struct {
	db int
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		atomic.AddInt64(&s.activeConns, -1)
		s.wg.Done()
		<-s.sem
	}()

	state := &connState{}

	r := bufio.NewReader(conn)
	header := make([]byte, protocol.ProtoHeaderSize)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(protocol.IdleTimeout))

		if _, err := io.ReadFull(r, header); err != nil {
			return
		}

		opCode := header[0]
		payloadLen := binary.BigEndian.Uint32(header[1:])
		if payloadLen > protocol.MaxCommandSize {
			s.writeBinaryResponse(conn, protocol.ResStatusEntityTooLarge, nil)
			return
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(protocol.DefaultWriteTimeout))

		if s.dispatchCommand(ctx, conn, r, opCode, payload, state) {
			return
		}
	}
}

func (s *Server) dispatchCommand(ctx context.Context, conn net.Conn, r *bufio.Reader, opCode uint8, payload []byte, st *connState) bool {
	switch opCode {
	case protocol.OpCodePing:
		s.writeBinaryResponse(conn, protocol.ResStatusOK, []byte("PONG"))
	case protocol.OpCodeQuit:
		return true
	case protocol.OpCodeSelect:
		s.handleSelect(conn, payload, st)
	case protocol.OpCodeGet:
		s.handleGet(ctx, conn, payload, st)
	case protocol.OpCodeSet:
		s.handleSet(ctx, conn, payload, st)
	case protocol.OpCodeAppend:
		s.handleAppend(ctx, conn, payload, st)
	case protocol.OpCodeDel:
		s.handleDel(ctx, conn, payload, st)
	case protocol.OpCodeExpire:
		s.handleExpire(ctx, conn, payload, st)
	case protocol.OpCodeStick:
		s.handleStick(ctx, conn, payload, st)
	case protocol.OpCodeHSet:
		s.handleHSet(ctx, conn, payload, st)
	case protocol.OpCodeHGetAll:
		s.handleHGetAll(ctx, conn, payload, st)
	case protocol.OpCodeRestore:
		s.handleRestore(ctx, conn, payload, st)
	case protocol.OpCodeFlushDb:
		s.handleFlushDb(ctx, conn, st)
	case protocol.OpCodeStat:
		s.handleStat(conn, st)
	case protocol.OpCodeIdxCreate:
		s.handleIdxCreate(conn, payload)
	case protocol.OpCodeIdxDrop:
		s.handleIdxDrop(conn, payload)
	case protocol.OpCodeIdxSearch:
		s.handleIdxSearch(ctx, conn, payload)
	case protocol.OpCodeReplHello:
		s.HandleReplicaConnection(ctx, conn, r, payload)
		return true
	case protocol.OpCodeMigrate:
		s.HandleMigrateConnection(ctx, conn, payload, st)
		return true
	default:
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("Unknown OpCode"))
	}
	return false
}

func (s *Server) writeBinaryResponse(w io.Writer, status byte, body []byte) error {
	header := make([]byte, protocol.ProtoHeaderSize)
	header[0] = status
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		_, err := w.Write(body)
		return err
	}
	return nil
}

// writeError maps engine errors onto wire statuses.
func (s *Server) writeError(w io.Writer, err error) {
	switch {
	case errors.Is(err, protocol.ErrKeyNotFound):
		s.writeBinaryResponse(w, protocol.ResStatusNotFound, nil)
	case errors.Is(err, protocol.ErrWrongType):
		s.writeBinaryResponse(w, protocol.ResStatusWrongType, nil)
	default:
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
	}
}

// splitKV splits a [keyLen u32][key][rest] payload.
func splitKV(payload []byte) (string, []byte, error) {
	if len(payload) < 4 {
		return "", nil, fmt.Errorf("payload too short")
	}
	kLen := binary.BigEndian.Uint32(payload[:4])
	if uint32(len(payload)-4) < kLen || kLen > protocol.MaxKeySize {
		return "", nil, fmt.Errorf("invalid key length %d", kLen)
	}
	return string(payload[4 : 4+kLen]), payload[4+kLen:], nil
}

func (s *Server) handleSelect(w io.Writer, payload []byte, st *connState) {
	db, err := strconv.Atoi(string(payload))
	if err != nil || db < 0 || db >= s.store.DbCount() {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte("DB not found"))
		return
	}
	st.db = db
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleGet(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	val, err := s.store.Get(ctx, st.db, string(payload))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, val)
}

func (s *Server) handleSet(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	key, val, err := splitKV(payload)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	if len(val) > protocol.MaxValueSize {
		s.writeBinaryResponse(w, protocol.ResStatusEntityTooLarge, nil)
		return
	}
	valCopy := make([]byte, len(val))
	copy(valCopy, val)
	if err := s.store.Set(ctx, st.db, key, valCopy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleAppend(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	key, val, err := splitKV(payload)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	n, err := s.store.Append(ctx, st.db, key, val)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, []byte(strconv.Itoa(n)))
}

func (s *Server) handleDel(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	existed, err := s.store.Delete(ctx, st.db, string(payload))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !existed {
		s.writeBinaryResponse(w, protocol.ResStatusNotFound, nil)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleExpire(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	key, rest, err := splitKV(payload)
	if err != nil || len(rest) != 8 {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte("invalid expire payload"))
		return
	}
	atMillis := int64(binary.BigEndian.Uint64(rest))
	ok, err := s.store.Expire(ctx, st.db, key, atMillis)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeBinaryResponse(w, protocol.ResStatusNotFound, nil)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleStick(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	ok, err := s.store.Stick(ctx, st.db, string(payload))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeBinaryResponse(w, protocol.ResStatusNotFound, nil)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleHSet(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	key, rest, err := splitKV(payload)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	fields := make(map[string]string)
	for len(rest) > 0 {
		var f, v []byte
		if f, rest, err = readBlob(rest); err == nil {
			v, rest, err = readBlob(rest)
		}
		if err != nil {
			s.writeBinaryResponse(w, protocol.ResStatusErr, []byte("invalid hset payload"))
			return
		}
		fields[string(f)] = string(v)
	}
	if len(fields) == 0 {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte("no fields"))
		return
	}
	created, err := s.store.HSet(ctx, st.db, key, fields)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, []byte(strconv.Itoa(created)))
}

func (s *Server) handleHGetAll(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	fields, err := s.store.HGetAll(ctx, st.db, string(payload))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body []byte
	scratch := make([]byte, 4)
	for f, v := range fields {
		binary.BigEndian.PutUint32(scratch, uint32(len(f)))
		body = append(body, scratch...)
		body = append(body, f...)
		binary.BigEndian.PutUint32(scratch, uint32(len(v)))
		body = append(body, scratch...)
		body = append(body, v...)
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, body)
}

func (s *Server) handleRestore(ctx context.Context, w io.Writer, payload []byte, st *connState) {
	key, dump, err := splitKV(payload)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	dumpCopy := make([]byte, len(dump))
	copy(dumpCopy, dump)
	if err := s.store.Restore(ctx, st.db, key, dumpCopy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleFlushDb(ctx context.Context, w io.Writer, st *connState) {
	n, err := s.store.Flush(ctx, st.db)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, []byte(strconv.Itoa(n)))
}

func (s *Server) handleStat(w io.Writer, st *connState) {
	var keys int
	var mem, offloaded int64
	for i := 0; i < s.store.ShardCount(); i++ {
		sh := s.store.ShardAt(i)
		keys += sh.KeyCount()
		mem += sh.UsedMemory()
		offloaded += int64(sh.TieredStats().OffloadedBytes)
	}
	msg := fmt.Sprintf("[db %d] Keys:%d Mem:%d Offloaded:%d Shards:%d", st.db, keys, mem, offloaded, s.store.ShardCount())
	s.writeBinaryResponse(w, protocol.ResStatusOK, []byte(msg))
}

// readBlob consumes one [len u32][bytes] blob.
func readBlob(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated blob")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint32(len(b)-4) < n {
		return nil, nil, fmt.Errorf("truncated blob")
	}
	return b[4 : 4+n], b[4+n:], nil
}

func (s *Server) handleIdxCreate(w io.Writer, payload []byte) {
	name, rest, err := readBlob(payload)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	prefix, rest, err := readBlob(rest)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	schema, err := search.ParseSchema(string(rest))
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	if err := s.store.RegisterIndex(string(name), string(prefix), schema); err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	s.logger.Info("Index created", "name", string(name), "prefix", string(prefix))
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleIdxDrop(w io.Writer, payload []byte) {
	if !s.store.DropIndex(string(payload)) {
		s.writeBinaryResponse(w, protocol.ResStatusNotFound, nil)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, nil)
}

func (s *Server) handleIdxSearch(ctx context.Context, w io.Writer, payload []byte) {
	name, rest, err := readBlob(payload)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	query, rest, err := readBlob(rest)
	if err != nil {
		s.writeBinaryResponse(w, protocol.ResStatusErr, []byte(err.Error()))
		return
	}
	params := make(search.Params)
	for len(rest) > 0 {
		var pn, pv []byte
		if pn, rest, err = readBlob(rest); err == nil {
			pv, rest, err = readBlob(rest)
		}
		if err != nil {
			s.writeBinaryResponse(w, protocol.ResStatusErr, []byte("invalid params"))
			return
		}
		params[string(pn)] = pv
	}
	keys, err := s.store.SearchIndex(ctx, string(name), string(query), params, search.SearchOptions{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBinaryResponse(w, protocol.ResStatusOK, []byte(strings.Join(keys, "\n")))
}

func (s *Server) CloseAll() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.store.Close()
}

// Stats Accessors for Metrics
func (s *Server) ActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

func (s *Server) TotalConns() uint64 {
	return atomic.LoadUint64(&s.totalConns)
}
