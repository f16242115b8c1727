// Package redisstub provides a minimal in-process Redis server speaking just
// enough RESP for the realtime broker tests: pub/sub, expiring presence
// keys, and key scans.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	subs     map[string]map[*client]struct{}
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

type client struct {
	conn     net.Conn
	writer   *bufio.Writer
	writeMu  sync.Mutex
	channels map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:   opts,
		kv:     make(map[string]*kvEntry),
		subs:   make(map[string]map[*client]struct{}),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	c := &client{
		conn:     conn,
		writer:   bufio.NewWriter(conn),
		channels: make(map[string]struct{}),
	}
	defer func() {
		s.dropClient(c)
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			c.writeError("ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := c.writeSimpleString("PONG"); err != nil {
				return
			}
		case "HELLO":
			// RESP2 only; the client falls back after this error.
			if err := c.writeError("ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "CLIENT":
			if err := c.writeSimpleString("OK"); err != nil {
				return
			}
		case "AUTH":
			if len(args) == 2 {
				if s.opts.Password != "" && args[1] == s.opts.Password {
					authenticated = true
					if err := c.writeSimpleString("OK"); err != nil {
						return
					}
				} else if s.opts.Password == "" {
					authenticated = true
					if err := c.writeSimpleString("OK"); err != nil {
						return
					}
				} else {
					if err := c.writeError("WRONGPASS invalid username-password pair"); err != nil {
						return
					}
				}
			} else if len(args) == 3 {
				if s.opts.Password != "" && args[2] == s.opts.Password {
					authenticated = true
					if err := c.writeSimpleString("OK"); err != nil {
						return
					}
				} else {
					if err := c.writeError("WRONGPASS invalid username-password pair"); err != nil {
						return
					}
				}
			} else {
				if err := c.writeError("ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
			}
		case "SELECT":
			if err := c.writeSimpleString("OK"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := c.writeError("NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(c, cmd, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(c *client, cmd string, args []string) bool {
	switch cmd {
	case "SUBSCRIBE":
		if len(args) < 2 {
			_ = c.writeError("ERR wrong number of arguments for 'subscribe'")
			return false
		}
		for _, channel := range args[1:] {
			s.subscribe(c, channel)
			if err := c.writeArray("subscribe", channel, int64(len(c.channels))); err != nil {
				return false
			}
		}
		return true
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			for channel := range c.channels {
				channels = append(channels, channel)
			}
		}
		for _, channel := range channels {
			s.unsubscribe(c, channel)
			if err := c.writeArray("unsubscribe", channel, int64(len(c.channels))); err != nil {
				return false
			}
		}
		return true
	case "PUBLISH":
		if len(args) != 3 {
			_ = c.writeError("ERR wrong number of arguments for 'publish'")
			return false
		}
		receivers := s.publish(args[1], args[2])
		return c.writeInteger(receivers) == nil
	case "SETEX":
		if len(args) != 4 {
			_ = c.writeError("ERR wrong number of arguments for 'setex'")
			return false
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || seconds <= 0 {
			_ = c.writeError("ERR invalid expire time in 'setex' command")
			return false
		}
		s.setex(args[1], args[3], time.Duration(seconds)*time.Second)
		return c.writeSimpleString("OK") == nil
	case "EXISTS":
		if len(args) < 2 {
			_ = c.writeError("ERR wrong number of arguments for 'exists'")
			return false
		}
		var count int64
		for _, key := range args[1:] {
			if s.exists(key) {
				count++
			}
		}
		return c.writeInteger(count) == nil
	case "GET":
		if len(args) != 2 {
			_ = c.writeError("ERR wrong number of arguments for 'get'")
			return false
		}
		value, ok := s.get(args[1])
		if !ok {
			return c.writeBulkNil() == nil
		}
		return c.writeBulkString(value) == nil
	case "DEL":
		if len(args) < 2 {
			_ = c.writeError("ERR wrong number of arguments for 'del'")
			return false
		}
		var removed int64
		for _, key := range args[1:] {
			if s.del(key) {
				removed++
			}
		}
		return c.writeInteger(removed) == nil
	case "TTL":
		if len(args) != 2 {
			_ = c.writeError("ERR wrong number of arguments for 'ttl'")
			return false
		}
		return c.writeInteger(s.ttl(args[1])) == nil
	case "SCAN":
		return s.handleScan(c, args)
	default:
		_ = c.writeError("ERR unsupported command")
		return false
	}
}

func (s *Server) handleScan(c *client, args []string) bool {
	if len(args) < 2 {
		_ = c.writeError("ERR wrong number of arguments for 'scan'")
		return false
	}
	pattern := "*"
	for i := 2; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			pattern = args[i+1]
		case "COUNT":
		}
	}
	keys := s.matchKeys(pattern)
	values := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		values = append(values, key)
	}
	// Single pass; the cursor is always exhausted.
	return c.writeRawArray([]interface{}{"0", values}) == nil
}

func (s *Server) subscribe(c *client, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[*client]struct{})
		s.subs[channel] = set
	}
	set[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (s *Server) unsubscribe(c *client, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subs[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, channel)
		}
	}
	delete(c.channels, channel)
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel := range c.channels {
		if set, ok := s.subs[channel]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.subs, channel)
			}
		}
	}
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	receivers := make([]*client, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		receivers = append(receivers, sub)
	}
	s.mu.Unlock()
	for _, sub := range receivers {
		_ = sub.writeArray("message", channel, payload)
	}
	return int64(len(receivers))
}

func (s *Server) setex(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = &kvEntry{value: value, expiry: time.Now().Add(ttl)}
}

func (s *Server) exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveEntry(key) != nil
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

func (s *Server) del(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveEntry(key) == nil {
		return false
	}
	delete(s.kv, key)
	return true
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return int64(time.Until(entry.expiry) / time.Second)
}

func (s *Server) matchKeys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.kv {
		if s.liveEntry(key) == nil {
			continue
		}
		if matchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// liveEntry returns the entry for key, expiring it lazily. Callers hold s.mu.
func (s *Server) liveEntry(key string) *kvEntry {
	entry, ok := s.kv[key]
	if !ok {
		return nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

// matchPattern supports the glob subset the broker uses: a literal prefix
// with an optional trailing asterisk.
func matchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *client) writeSimpleString(value string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "+%s\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *client) writeBulkString(value string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *client) writeBulkNil() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *client) writeInteger(value int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, ":%d\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *client) writeArray(values ...interface{}) error {
	return c.writeRawArray(values)
}

func (c *client) writeRawArray(values []interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeArrayRaw(c.writer, values); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *client) writeError(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "-%s\r\n", msg); err != nil {
		return err
	}
	return c.writer.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case []byte:
			if _, err := fmt.Fprintf(w, "$%d\r\n", len(v)); err != nil {
				return err
			}
			if _, err := w.Write(v); err != nil {
				return err
			}
			if _, err := w.WriteString("\r\n"); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			str := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(str), str); err != nil {
				return err
			}
		}
	}
	return nil
}
