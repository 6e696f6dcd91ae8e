// Package backchannel implements a single-client, send-only RTSP/RTP
// driver that pushes conditioned audio into a Dahua-compatible doorbell
// speaker over the ONVIF backchannel.
package backchannel

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"
	"github.com/pion/rtp"
)

const (
	connectTimeout  = 10 * time.Second
	handshakeRWTime = 5 * time.Second
	userAgent       = "AVA-Talk/1.0"
	onvifRequire    = "www.onvif.org/ver20/backchannel"
	rtpPayloadType  = 8 // PCMA
	interleavedTag  = 0x24
)

// Config describes the doorbell endpoint and credentials used to open the
// backchannel. It is read-only once constructed.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Client drives one RTSP control connection and its interleaved RTP
// stream. It is owned by a single session and is not safe for concurrent
// use except that Send may run concurrently with Close tearing down.
type Client struct {
	cfg     Config
	baseURL string

	mu        sync.Mutex
	conn      net.Conn
	br        *bufio.Reader
	cseq      int
	session   string
	sendChan  byte
	connected bool

	seq       uint16
	timestamp uint32
	ssrc      uint32
}

// New returns a Client for the given doorbell endpoint.
func New(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 554
	}
	return &Client{
		cfg:     cfg,
		baseURL: fmt.Sprintf("rtsp://%s:%d/cam/realmonitor?channel=1&subtype=1&unicast=true&proto=Onvif", cfg.Host, cfg.Port),
	}
}

// Connected reports whether the backchannel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect performs the DESCRIBE/SETUP/PLAY handshake in the exact order
// the doorbell requires, returning a *ConnectError classifying any
// failure so the retry controller can react to the specific kind.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return &ConnectError{Kind: Exception, Err: fmt.Errorf("dial: %w", err)}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	_ = conn.SetDeadline(time.Now().Add(handshakeRWTime))

	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.cseq = 0
	c.ssrc = randomSSRC()

	sdpBody, cerr := c.describe()
	if cerr != nil {
		c.failLocked()
		return cerr
	}

	control, err := parseSDPForSendonlyPCMA(sdpBody)
	if err != nil {
		c.failLocked()
		return &ConnectError{Kind: NoTrack, Err: err}
	}

	if cerr := c.setup(control); cerr != nil {
		c.failLocked()
		return cerr
	}

	if cerr := c.play(); cerr != nil {
		c.failLocked()
		return cerr
	}

	_ = conn.SetDeadline(time.Time{})
	c.connected = true
	return nil
}

func (c *Client) failLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.connected = false
}

// describe issues DESCRIBE, retrying once with a Digest Authorization
// header on 401 per RFC 2617. Returns the SDP response body on success.
func (c *Client) describe() (string, *ConnectError) {
	headers := map[string]string{
		"Accept":  "application/sdp",
		"Require": onvifRequire,
	}
	status, respHeaders, body, err := c.roundTrip("DESCRIBE", c.baseURL, headers)
	if err != nil {
		return "", &ConnectError{Kind: Exception, Err: err}
	}

	if status == 401 {
		wwwAuth := respHeaders["www-authenticate"]
		if wwwAuth == "" {
			return "", &ConnectError{Kind: DescribeOther, Err: fmt.Errorf("401 with no WWW-Authenticate header")}
		}
		authz, derr := c.buildDigestHeader("DESCRIBE", c.baseURL, wwwAuth)
		if derr != nil {
			return "", &ConnectError{Kind: DescribeOther, Err: derr}
		}
		headers["Authorization"] = authz
		status, _, body, err = c.roundTrip("DESCRIBE", c.baseURL, headers)
		if err != nil {
			return "", &ConnectError{Kind: Exception, Err: err}
		}
	}

	if status == 404 {
		return "", &ConnectError{Kind: DescribeNotFound, Err: fmt.Errorf("DESCRIBE returned 404")}
	}
	if status != 200 {
		return "", &ConnectError{Kind: DescribeOther, Err: fmt.Errorf("DESCRIBE returned %d", status)}
	}
	return body, nil
}

func (c *Client) buildDigestHeader(method, uri, wwwAuthValue string) (string, error) {
	chal, err := digest.ParseChallenge(wwwAuthValue)
	if err != nil {
		return "", fmt.Errorf("parsing digest challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: c.cfg.Username,
		Password: c.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("computing digest response: %w", err)
	}
	return cred.String(), nil
}

// setup issues SETUP against the track's control URL, requesting TCP
// interleaved transport, and captures the Session token and channel
// numbers the doorbell assigns.
func (c *Client) setup(control string) *ConnectError {
	trackURL := control
	if !strings.HasPrefix(control, "rtsp://") {
		trackURL = c.baseURL + "/" + control
	}

	headers := map[string]string{
		"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1;mode=record",
	}
	status, respHeaders, _, err := c.roundTrip("SETUP", trackURL, headers)
	if err != nil {
		return &ConnectError{Kind: Exception, Err: err}
	}
	if status != 200 {
		return &ConnectError{Kind: SetupFailed, Err: fmt.Errorf("SETUP returned %d", status)}
	}

	sessionHeader := respHeaders["session"]
	if sessionHeader == "" {
		return &ConnectError{Kind: SetupFailed, Err: fmt.Errorf("SETUP response missing Session header")}
	}
	c.session = strings.TrimSpace(strings.SplitN(sessionHeader, ";", 2)[0])

	c.sendChan = 0
	if transport := respHeaders["transport"]; transport != "" {
		if ch, ok := parseInterleavedChannel(transport); ok {
			c.sendChan = ch
		}
	}
	return nil
}

// play issues PLAY with the captured session token, completing the
// handshake.
func (c *Client) play() *ConnectError {
	headers := map[string]string{
		"Session": c.session,
		"Range":   "npt=0.000-",
	}
	status, _, _, err := c.roundTrip("PLAY", c.baseURL, headers)
	if err != nil {
		return &ConnectError{Kind: Exception, Err: err}
	}
	if status != 200 {
		return &ConnectError{Kind: PlayFailed, Err: fmt.Errorf("PLAY returned %d", status)}
	}
	return nil
}

// Send builds one RTP/PCMA packet from payload, frames it as an
// interleaved RTSP frame, and writes it to the control socket in one
// blocking call. It returns false (and marks the channel disconnected) on
// any write error.
func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return false
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: rtpPayloadType,
			Marker:      false,
			SequenceNumber: c.seq,
			Timestamp:      c.timestamp,
			SSRC:           c.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		c.connected = false
		return false
	}

	frame := make([]byte, 4+len(raw))
	frame[0] = interleavedTag
	frame[1] = c.sendChan
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(raw)))
	copy(frame[4:], raw)

	if _, err := c.conn.Write(frame); err != nil {
		c.connected = false
		return false
	}

	c.seq++
	c.timestamp += uint32(len(payload))
	return true
}

// Close issues a best-effort TEARDOWN and closes the socket. All errors
// are swallowed, matching the teardown semantics of the handshake.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	if c.session != "" {
		_ = c.conn.SetDeadline(time.Now().Add(handshakeRWTime))
		_, _, _, _ = c.roundTrip("TEARDOWN", c.baseURL, map[string]string{"Session": c.session})
	}
	_ = c.conn.Close()
	c.conn = nil
	c.connected = false
}

func randomSSRC() uint32 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32-1))
	if err != nil {
		return uint32(time.Now().UnixNano())
	}
	return uint32(n.Int64())
}

// parseInterleavedChannel extracts the first channel number from a
// Transport header's interleaved=a-b parameter.
func parseInterleavedChannel(transport string) (byte, bool) {
	for _, part := range strings.Split(transport, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "interleaved=") {
			continue
		}
		val := strings.TrimPrefix(part, "interleaved=")
		first := strings.SplitN(val, "-", 2)[0]
		n, err := strconv.Atoi(first)
		if err != nil || n < 0 || n > 255 {
			continue
		}
		return byte(n), true
	}
	return 0, false
}

// roundTrip writes one RTSP request and reads its response, returning the
// status code, lower-cased header map, and body.
func (c *Client) roundTrip(method, uri string, headers map[string]string) (int, map[string]string, string, error) {
	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	fmt.Fprintf(&b, "CSeq: %d\r\n", c.cseq)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return 0, nil, "", fmt.Errorf("writing %s: %w", method, err)
	}
	return readRTSPResponse(c.br)
}

// readRTSPResponse parses a status line, headers, and (if present) a
// Content-Length body from r.
func readRTSPResponse(r *bufio.Reader) (int, map[string]string, string, error) {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, "", fmt.Errorf("reading status line: %w", err)
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0, nil, "", fmt.Errorf("malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, "", fmt.Errorf("malformed status code %q", statusLine)
	}

	headers := make(map[string]string)
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, nil, "", fmt.Errorf("reading headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		headers[key] = val
		if key == "content-length" {
			contentLength, _ = strconv.Atoi(val)
		}
	}

	body := ""
	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, nil, "", fmt.Errorf("reading body: %w", err)
		}
		body = string(buf)
	}
	return status, headers, body, nil
}
