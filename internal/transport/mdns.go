/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
MDNSTransport advertises this device on the local network and discovers
peers, grounded on the teacher's internal/cluster/discovery.go (same
service-advertise / background-query shape, generalized from FlyDB's
gossip/Raft address triad to a single data port carrying sync frames).
*/
package transport

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"edgekv/internal/logging"
	"edgekv/internal/model"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type this device advertises under.
const ServiceType = "_edgekv._tcp"

// DiscoveryInterval is how often the background loop re-queries the network.
const DiscoveryInterval = 10 * time.Second

// OfflineAfter marks a peer offline once it has been unseen this long.
const OfflineAfter = 3 * DiscoveryInterval

type peerInfo struct {
	identity model.DeviceIdentity
	addr     string // host:port for Send
}

// MDNSTransport is the default Transport implementation.
type MDNSTransport struct {
	deviceID [32]byte
	nickname string
	dataPort int

	mu      sync.RWMutex
	peers   map[[32]byte]*peerInfo
	process struct{ label, group string }

	communicator   Communicator
	permCheck      PermissionCheckFunc
	syncActivation SyncActivationFunc
	autoLaunch     AutoLaunchFunc

	server   *mdns.Server
	listener net.Listener
	log      *logging.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMDNSTransport constructs a transport advertising deviceID/nickname
// and listening for peer connections on dataPort (0 picks any free port).
func NewMDNSTransport(deviceID [32]byte, nickname string, dataPort int, log *logging.Logger) *MDNSTransport {
	if log == nil {
		log = logging.NewLogger("transport")
	}
	return &MDNSTransport{
		deviceID: deviceID,
		nickname: nickname,
		dataPort: dataPort,
		peers:    make(map[[32]byte]*peerInfo),
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start opens the data listener, advertises this device over mDNS, and
// begins the background discovery loop.
func (t *MDNSTransport) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.dataPort))
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	t.listener = ln
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	t.dataPort = port

	txt := []string{
		"device_id=" + hex.EncodeToString(t.deviceID[:]),
		"nickname=" + t.nickname,
	}
	service, err := mdns.NewMDNSService(t.nickname, ServiceType, "", "", port, nil, txt)
	if err != nil {
		ln.Close()
		return fmt.Errorf("transport: mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		ln.Close()
		return fmt.Errorf("transport: mDNS server: %w", err)
	}
	t.server = server

	t.wg.Add(2)
	go t.acceptLoop()
	go t.discoveryLoop()
	return nil
}

func (t *MDNSTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn("accept failed", "error", err)
				return
			}
		}
		go t.serveConn(conn)
	}
}

func (t *MDNSTransport) serveConn(conn net.Conn) {
	defer conn.Close()
	var senderID [32]byte
	if _, err := readFull(conn, senderID[:]); err != nil {
		return
	}
	payload, err := readFrame(conn)
	if err != nil {
		t.log.Warn("reading frame failed", "error", err)
		return
	}

	t.mu.RLock()
	peer, known := t.peers[senderID]
	comm := t.communicator
	t.mu.RUnlock()

	identity := model.DeviceIdentity{DeviceID: senderID, Online: true, LastSeenAt: time.Now()}
	if known {
		identity = peer.identity
	}
	if comm != nil {
		comm.OnPeerData(identity, payload)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *MDNSTransport) discoveryLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.discoverOnce()
			t.expireStale()
		}
	}
}

func (t *MDNSTransport) discoverOnce() {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entriesCh {
			t.observeEntry(entry)
		}
	}()
	params := &mdns.QueryParam{
		Service:             ServiceType,
		Domain:              "local",
		Timeout:             DiscoveryInterval / 2,
		Entries:             entriesCh,
		WantUnicastResponse: true,
	}
	if err := mdns.Query(params); err != nil {
		t.log.Warn("mDNS query failed", "error", err)
	}
	close(entriesCh)
	<-done
}

func (t *MDNSTransport) observeEntry(entry *mdns.ServiceEntry) {
	if entry == nil {
		return
	}
	var ip net.IP
	if entry.AddrV4 != nil {
		ip = entry.AddrV4
	} else if entry.AddrV6 != nil {
		ip = entry.AddrV6
	}
	if ip == nil {
		return
	}

	var deviceID [32]byte
	nickname := entry.Name
	for _, field := range entry.InfoFields {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "device_id":
			raw, err := hex.DecodeString(parts[1])
			if err == nil && len(raw) == 32 {
				copy(deviceID[:], raw)
			}
		case "nickname":
			nickname = parts[1]
		}
	}
	if deviceID == t.deviceID {
		return // don't register ourselves as a peer
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))

	t.mu.Lock()
	existing, known := t.peers[deviceID]
	wasOnline := known && existing.identity.Online
	t.peers[deviceID] = &peerInfo{
		identity: model.DeviceIdentity{DeviceID: deviceID, Nickname: nickname, Online: true, LastSeenAt: time.Now()},
		addr:     addr,
	}
	comm := t.communicator
	identity := t.peers[deviceID].identity
	t.mu.Unlock()

	if !wasOnline && comm != nil {
		comm.OnPeerOnline(identity)
	}
}

func (t *MDNSTransport) expireStale() {
	cutoff := time.Now().Add(-OfflineAfter)

	t.mu.Lock()
	var newlyOffline []model.DeviceIdentity
	for id, p := range t.peers {
		if p.identity.Online && p.identity.LastSeenAt.Before(cutoff) {
			p.identity.Online = false
			t.peers[id] = p
			newlyOffline = append(newlyOffline, p.identity)
		}
	}
	comm := t.communicator
	t.mu.Unlock()

	if comm != nil {
		for _, identity := range newlyOffline {
			comm.OnPeerOffline(identity)
		}
	}
}

// SetProcessLabel records the local process label/group. They are not
// part of the mDNS advertisement, which carries only device_id and
// nickname.
func (t *MDNSTransport) SetProcessLabel(label, group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.process.label = label
	t.process.group = group
	return nil
}

func (t *MDNSTransport) SetCommunicator(c Communicator) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.communicator = c
	return nil
}

func (t *MDNSTransport) SetPermissionCheckCallback(cb PermissionCheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permCheck = cb
}

func (t *MDNSTransport) SetSyncActivationCheckCallback(cb SyncActivationFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncActivation = cb
}

func (t *MDNSTransport) SetAutoLaunchRequestCallback(cb AutoLaunchFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoLaunch = cb
}

// Devices returns a snapshot of every peer observed so far, online or not.
func (t *MDNSTransport) Devices() []model.DeviceIdentity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.DeviceIdentity, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.identity)
	}
	return out
}

// Send dials peer's advertised data port and writes one framed message,
// prefixed by this device's own id so the receiver can identify the sender.
func (t *MDNSTransport) Send(peer model.DeviceIdentity, payload []byte) error {
	t.mu.RLock()
	p, ok := t.peers[peer.DeviceID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %x", peer.DeviceID)
	}

	conn, err := net.DialTimeout("tcp", p.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", p.addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(t.deviceID[:]); err != nil {
		return err
	}
	return writeFrame(conn, payload)
}

// Close stops discovery and advertisement and closes the data listener.
// Idempotent.
func (t *MDNSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stopCh)
		if t.server != nil {
			t.server.Shutdown()
		}
		if t.listener != nil {
			t.listener.Close()
		}
	})
	t.wg.Wait()
	return nil
}
