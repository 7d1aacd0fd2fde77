// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wiring builds the running shardnetd process from a loaded
// config.Config: one reactor core per configured interface, and on each
// core a NIC queue, an ARP resolver, an L4 registry with the built-in
// echo handlers, an optional packet filter, and an IPv4 engine — then
// starts every core's run loop.
package wiring

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"shardnet/pkg/arp"
	"shardnet/pkg/cleanup"
	"shardnet/pkg/config"
	"shardnet/pkg/filter"
	"shardnet/pkg/ipv4"
	"shardnet/pkg/l4"
	"shardnet/pkg/nic"
	"shardnet/pkg/packet"
	"shardnet/pkg/rand"
	"shardnet/pkg/reactor"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
	"shardnet/pkg/tcpip/link/rawfile"
)

// System is every piece built from a config.Config, kept around only so
// Run can close what Build opened once the cores stop.
type System struct {
	Manager *reactor.Manager
	Log     *logrus.Logger

	fds []int
}

// Build opens a raw socket per configured interface, wires a reactor
// core, NIC queue, ARP resolver, L4 registry, optional filter and IPv4
// engine onto each one, cross-wires every engine's peer lookup, and
// arms each core's receive-poll task. It does not start the cores; call
// Run (or Manager.Start directly) once Build succeeds.
func Build(cfg *config.Config) (*System, error) {
	log := newLogger(cfg.Log)

	sharedFilter, err := buildFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}

	n := len(cfg.Interfaces)
	manager := reactor.NewManager(n, &tcpip.StdClock{}, log)
	sys := &System{Manager: manager, Log: log}

	engines := make([]*ipv4.Engine, n)
	queues := make([]*nic.Queue, n)
	resolvers := make([]*arp.Resolver, n)
	linkAddrs := make([]tcpip.LinkAddress, n)

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	for i, ifaceCfg := range cfg.Interfaces {
		core := manager.Core(i)

		fd, linkAddr, mtu, err := openInterface(ifaceCfg)
		if err != nil {
			return nil, fmt.Errorf("wiring: interface %d (%s): %w", i, ifaceCfg.Device, err)
		}
		sys.fds = append(sys.fds, fd)
		cu.Add(func() { unix.Close(fd) })
		linkAddrs[i] = linkAddr

		queue := nic.NewQueue(nic.Options{
			FD:         fd,
			MTU:        mtu,
			LinkAddr:   linkAddr,
			RingSize:   ifaceCfg.RingSize,
			Offload:    translateOffload(ifaceCfg.Offload),
			TXRateHz:   rate.Limit(ifaceCfg.TXRateHz),
			TXBurstCap: ifaceCfg.TXBurstCap,
			Log:        core.Log(),
		})
		queues[i] = queue

		hostAddr, err := config.ParseAddress(ifaceCfg.HostAddr)
		if err != nil {
			return nil, fmt.Errorf("wiring: interface %d: %w", i, err)
		}
		netmask, err := config.ParseAddress(ifaceCfg.Netmask)
		if err != nil {
			return nil, fmt.Errorf("wiring: interface %d: %w", i, err)
		}
		var gateway tcpip.Address
		if ifaceCfg.Gateway != "" {
			gateway, err = config.ParseAddress(ifaceCfg.Gateway)
			if err != nil {
				return nil, fmt.Errorf("wiring: interface %d: %w", i, err)
			}
		}

		resolver := arp.NewResolver(core, arp.NewWireRequester(queue, linkAddr, hostAddr))
		resolver.SetSelf(hostAddr)
		resolvers[i] = resolver

		registry := l4.NewRegistry()

		engine := ipv4.NewEngine(ipv4.Options{
			Core:     core,
			NumCores: n,
			Config: ipv4.Config{
				HostAddr: hostAddr,
				Netmask:  netmask,
				Gateway:  gateway,
				LinkAddr: linkAddr,
			},
			NIC:      queue,
			ARP:      resolver,
			Registry: registry,
			Submit:   manager.SubmitTo,
			IDs:      header.NewIDGenerator(rand.Read),
			Filter:   sharedFilter,
			Log:      core.Log(),
		})
		engines[i] = engine

		registry.Register(uint8(header.ICMPv4ProtocolNumber), l4.NewICMPEcho(engine, n))
		registry.Register(uint8(header.UDPProtocolNumber), l4.NewUDPEcho(engine, n))
	}
	cu.Release()

	for i, engine := range engines {
		engine.SetPeer(func(core int) *ipv4.Engine { return engines[core] })
		core := manager.Core(i)
		armPoll(core, queues[i], engines[i], resolvers[i], linkAddrs[i])
	}

	return sys, nil
}

// Run starts every core's run loop and blocks until ctx is cancelled or
// a core's loop returns an error, at which point every other core is
// torn down too.
func (s *System) Run(ctx context.Context) error {
	defer s.closeAll()
	return s.Manager.Start(ctx)
}

func (s *System) closeAll() {
	for _, fd := range s.fds {
		unix.Close(fd)
	}
}

// openInterface opens a raw packet socket for ifaceCfg, and resolves
// the link address and MTU that the rest of the stack needs: the link
// address always, and the MTU unless the config sets one, are queried
// from the kernel's view of the interface the socket is bound to.
func openInterface(ifaceCfg config.InterfaceConfig) (fd int, linkAddr tcpip.LinkAddress, mtu uint32, err error) {
	fd, err = rawfile.OpenPacketSocket(ifaceCfg.Device, ifaceCfg.FanoutGroup)
	if err != nil {
		return -1, "", 0, err
	}

	iface, err := net.InterfaceByName(ifaceCfg.Device)
	if err != nil {
		unix.Close(fd)
		return -1, "", 0, fmt.Errorf("looking up interface: %w", err)
	}
	linkAddr = tcpip.LinkAddress(iface.HardwareAddr)

	mtu = ifaceCfg.MTU
	if mtu == 0 {
		mtu = uint32(iface.MTU)
	}
	return fd, linkAddr, mtu, nil
}

func translateOffload(c config.OffloadConfig) nic.OffloadCapabilities {
	return nic.OffloadCapabilities{
		RXChecksum: c.RXChecksum,
		TXIPCksum:  c.TXIPCksum,
		TXTCPCksum: c.TXTCPCksum,
		TXUDPCksum: c.TXUDPCksum,
		TXTSO:      c.TXTSO,
		TXUFO:      c.TXUFO,
	}
}

func buildFilter(cfg config.FilterConfig) (*filter.Filter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	action := filter.Drop
	if cfg.Action == "accept" {
		action = filter.Accept
	}

	rules := make([]filter.Rule, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		r := filter.Rule{Protocol: rc.Protocol}
		if rc.Net != "" {
			netAddr, err := config.ParseAddress(rc.Net)
			if err != nil {
				return nil, fmt.Errorf("wiring: filter rule %d: %w", i, err)
			}
			r.Net = netAddr
			mask, err := config.ParseAddress(rc.Mask)
			if err != nil {
				return nil, fmt.Errorf("wiring: filter rule %d: %w", i, err)
			}
			r.Mask = mask
		}
		rules[i] = r
	}
	return filter.New(rules, action)
}

// armPoll submits core's first receive-poll task. The task drains
// whatever is currently on the NIC queue, dispatching each frame by
// Ethernet type, then resubmits itself — going to the back of the
// core's task queue behind anything else already waiting there, so a
// busy link never starves cross-core deliveries.
func armPoll(core *reactor.Core, queue *nic.Queue, engine *ipv4.Engine, resolver *arp.Resolver, linkAddr tcpip.LinkAddress) {
	var poll func()
	poll = func() {
		queue.Poll(func(pkt *packet.Buffer) {
			dispatchFrame(pkt, engine, resolver, queue, linkAddr)
		})
		core.SubmitTo(poll)
	}
	core.SubmitTo(poll)
}

// dispatchFrame routes one received frame to the ARP wire handler or
// the IPv4 engine by its Ethernet type, without otherwise touching it —
// both handlers re-parse the frame themselves and own releasing it.
func dispatchFrame(pkt *packet.Buffer, engine *ipv4.Engine, resolver *arp.Resolver, wire arp.LinkTransmitter, linkAddr tcpip.LinkAddress) {
	data := pkt.Frag(0)
	if len(data) < header.EthernetMinimumSize {
		pkt.Release()
		return
	}
	switch header.Ethernet(data[:header.EthernetMinimumSize]).Type() {
	case header.ARPProtocolNumber:
		arp.HandleFrame(pkt, resolver, wire, linkAddr)
	default:
		engine.ReceiveFrame(pkt)
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{})
	}
	return log
}
