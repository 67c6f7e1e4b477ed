package tiercache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var dialMemcached = func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// memcachedBackend speaks the memcached text protocol over a small per-server
// connection pool. CAS uses the protocol's gets/cas verbs; the cas unique id
// is the Token.
type memcachedBackend struct {
	addrs []string
	pools map[string]chan *memcachedConn
	rr    uint32
}

type memcachedConn struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
}

func newMemcachedBackend(addrs []string) Backend {
	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1:11211"}
	}
	pools := make(map[string]chan *memcachedConn, len(addrs))
	for _, addr := range addrs {
		pools[addr] = make(chan *memcachedConn, 16)
	}
	return &memcachedBackend{addrs: addrs, pools: pools}
}

func (s *memcachedBackend) Driver() Driver { return DriverMemcached }

func (s *memcachedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := s.retrieve(ctx, "get", key)
	return value, ok, err
}

func (s *memcachedBackend) Gets(ctx context.Context, key string) ([]byte, Token, bool, error) {
	return s.retrieve(ctx, "gets", key)
}

// retrieve runs a get or gets and parses the single-key response. For gets
// the returned token is the cas unique id in decimal.
func (s *memcachedBackend) retrieve(ctx context.Context, verb, key string) ([]byte, Token, bool, error) {
	mc, err := s.acquire(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	bad := false
	defer func() { s.release(mc, bad) }()

	if _, err := fmt.Fprintf(mc.conn, "%s %s\r\n", verb, key); err != nil {
		bad = true
		return nil, nil, false, err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return nil, nil, false, err
	}
	if line == "END\r\n" {
		return nil, nil, false, nil
	}

	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 4 || fields[0] != "VALUE" {
		bad = true
		return nil, nil, false, fmt.Errorf("memcached: unexpected response: %s", strings.TrimSpace(line))
	}
	length, err := strconv.Atoi(fields[3])
	if err != nil {
		bad = true
		return nil, nil, false, fmt.Errorf("memcached: parse length: %w", err)
	}
	var token Token
	if verb == "gets" {
		if len(fields) < 5 {
			bad = true
			return nil, nil, false, fmt.Errorf("memcached: gets response without cas id: %s", strings.TrimSpace(line))
		}
		token = Token(fields[4])
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(mc.reader, value); err != nil {
		bad = true
		return nil, nil, false, err
	}
	// trailing \r\n, then END
	if _, err := mc.reader.ReadString('\n'); err != nil {
		bad = true
		return nil, nil, false, err
	}
	if _, err := mc.reader.ReadString('\n'); err != nil {
		bad = true
		return nil, nil, false, err
	}
	return value, token, true, nil
}

func (s *memcachedBackend) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = value
		}
	}
	return out, nil
}

// store runs a set/add/cas storage command and returns the response line.
func (s *memcachedBackend) store(ctx context.Context, verb, key string, value []byte, ttl time.Duration, token Token) (string, error) {
	mc, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	bad := false
	defer func() { s.release(mc, bad) }()

	var header string
	if verb == "cas" {
		header = fmt.Sprintf("cas %s 0 %d %d %s\r\n", key, memcachedSeconds(ttl), len(value), string(token))
	} else {
		header = fmt.Sprintf("%s %s 0 %d %d\r\n", verb, key, memcachedSeconds(ttl), len(value))
	}
	if _, err := io.WriteString(mc.conn, header); err != nil {
		bad = true
		return "", err
	}
	if _, err := mc.conn.Write(value); err != nil {
		bad = true
		return "", err
	}
	if _, err := mc.conn.Write([]byte("\r\n")); err != nil {
		bad = true
		return "", err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *memcachedBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	line, err := s.store(ctx, "set", key, value, ttl, nil)
	if err != nil {
		return err
	}
	if line != "STORED" {
		return fmt.Errorf("memcached set failed: %s", line)
	}
	return nil
}

func (s *memcachedBackend) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	if token == nil {
		return true, s.Set(ctx, key, value, ttl)
	}
	line, err := s.store(ctx, "cas", key, value, ttl, token)
	if err != nil {
		return false, err
	}
	switch line {
	case "STORED":
		return true, nil
	case "EXISTS", "NOT_FOUND":
		return false, nil
	default:
		return false, fmt.Errorf("memcached cas failed: %s", line)
	}
}

func (s *memcachedBackend) MultiSet(ctx context.Context, pairs []Pair, ttl time.Duration) error {
	for _, p := range pairs {
		if err := s.Set(ctx, p.Key, p.Value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *memcachedBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	line, err := s.store(ctx, "add", key, value, ttl, nil)
	if err != nil {
		return err
	}
	switch line {
	case "STORED":
		return nil
	case "NOT_STORED":
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	default:
		return fmt.Errorf("memcached add failed: %s", line)
	}
}

func (s *memcachedBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *memcachedBackend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	// incr/decr take unsigned deltas; negative deltas go through decr.
	verb, amount := "incr", delta
	if delta < 0 {
		verb, amount = "decr", -delta
	}
	line, err := s.command(ctx, fmt.Sprintf("%s %s %d", verb, key, amount))
	if err != nil {
		return 0, err
	}
	if line == "NOT_FOUND" {
		if err := s.Add(ctx, key, strconv.AppendInt(nil, delta, 10), 0); err != nil {
			if errors.Is(err, ErrKeyExists) {
				// Lost the creation race; the retry hits the live counter.
				return s.Increment(ctx, key, delta)
			}
			return 0, err
		}
		return delta, nil
	}
	if strings.Contains(line, "non-numeric") {
		return 0, fmt.Errorf("increment %q: %w", key, ErrNotANumber)
	}
	value, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memcached %s failed: %s", verb, line)
	}
	return value, nil
}

func (s *memcachedBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	line, err := s.command(ctx, fmt.Sprintf("touch %s %d", key, memcachedSeconds(ttl)))
	if err != nil {
		return false, err
	}
	switch line {
	case "TOUCHED":
		return true, nil
	case "NOT_FOUND":
		return false, nil
	default:
		return false, fmt.Errorf("memcached touch failed: %s", line)
	}
}

func (s *memcachedBackend) Delete(ctx context.Context, key string) (int, error) {
	line, err := s.command(ctx, "delete "+key)
	if err != nil {
		return 0, err
	}
	switch line {
	case "DELETED":
		return 1, nil
	case "NOT_FOUND":
		return 0, nil
	default:
		return 0, fmt.Errorf("memcached delete failed: %s", line)
	}
}

func (s *memcachedBackend) MultiDelete(ctx context.Context, keys ...string) (int, error) {
	n := 0
	for _, key := range keys {
		removed, err := s.Delete(ctx, key)
		if err != nil {
			return n, err
		}
		n += removed
	}
	return n, nil
}

// Clear flushes the whole server; memcached cannot enumerate keys, so a
// namespaced clear is unsupported.
func (s *memcachedBackend) Clear(ctx context.Context, namespace string) error {
	if namespace != "" {
		return fmt.Errorf("%w: %s", ErrNamespaceUnsupported, DriverMemcached)
	}
	line, err := s.command(ctx, "flush_all")
	if err != nil {
		return err
	}
	if line != "OK" {
		return fmt.Errorf("memcached flush failed: %s", line)
	}
	return nil
}

// Raw sends a single-line text command and returns the first response line.
func (s *memcachedBackend) Raw(ctx context.Context, command string, args ...any) (any, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return s.command(ctx, strings.Join(parts, " "))
}

// ReleaseLock cannot compare-and-delete over the text protocol, so it deletes
// unconditionally. A lock that outlives its holder's lease may therefore be
// released by a stale holder on this backend.
func (s *memcachedBackend) ReleaseLock(ctx context.Context, key string, _ Token) (bool, error) {
	n, err := s.Delete(ctx, key)
	return n > 0, err
}

func (s *memcachedBackend) Close(context.Context) error {
	for _, pool := range s.pools {
		for {
			select {
			case mc := <-pool:
				if mc != nil && mc.conn != nil {
					_ = mc.conn.Close()
				}
				continue
			default:
			}
			break
		}
	}
	return nil
}

// command writes one line and reads one line back.
func (s *memcachedBackend) command(ctx context.Context, cmd string) (string, error) {
	mc, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	bad := false
	defer func() { s.release(mc, bad) }()

	if _, err := io.WriteString(mc.conn, cmd+"\r\n"); err != nil {
		bad = true
		return "", err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *memcachedBackend) acquire(ctx context.Context) (*memcachedConn, error) {
	if len(s.addrs) == 0 {
		return nil, errors.New("memcached: no addresses configured")
	}
	var errs bytes.Buffer
	start := int(atomic.AddUint32(&s.rr, 1)-1) % len(s.addrs)
	for i := 0; i < len(s.addrs); i++ {
		addr := s.addrs[(start+i)%len(s.addrs)]
		if pool, ok := s.pools[addr]; ok {
			select {
			case mc := <-pool:
				if mc != nil {
					return mc, nil
				}
			default:
			}
		}
		conn, err := dialMemcached(ctx, "tcp", addr)
		if err == nil {
			return &memcachedConn{
				addr:   addr,
				conn:   conn,
				reader: bufio.NewReader(conn),
			}, nil
		}
		fmt.Fprintf(&errs, "%s: %v; ", addr, err)
	}
	return nil, fmt.Errorf("memcached dial failed: %s", errs.String())
}

func (s *memcachedBackend) release(mc *memcachedConn, bad bool) {
	if mc == nil || mc.conn == nil {
		return
	}
	if bad {
		_ = mc.conn.Close()
		return
	}
	pool, ok := s.pools[mc.addr]
	if !ok {
		_ = mc.conn.Close()
		return
	}
	select {
	case pool <- mc:
	default:
		_ = mc.conn.Close()
	}
}

// memcachedSeconds converts a ttl to the protocol's whole-second exptime;
// 0 never expires.
func memcachedSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
