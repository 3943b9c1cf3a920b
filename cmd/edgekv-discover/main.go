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
edgekv-discover is a standalone mDNS probe for EdgeKV agents on the
local network. It performs a one-shot query for transport.ServiceType
rather than standing up a full transport.MDNSTransport, since it only
ever discovers, never advertises or carries sync traffic.

Usage:

	edgekv-discover                  # Discover agents (3 second timeout)
	edgekv-discover --timeout 10     # Custom timeout in seconds
	edgekv-discover --json           # Output as JSON
	edgekv-discover --quiet          # Only output addr:port (for scripting)
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/hashicorp/mdns"

	"edgekv/internal/banner"
	"edgekv/internal/transport"
)

type discoveredAgent struct {
	Nickname string    `json:"nickname"`
	Addr     string    `json:"addr"`
	Port     int       `json:"port"`
	SeenAt   time.Time `json:"seen_at"`
}

func discoverAgents(timeout time.Duration) ([]discoveredAgent, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	var agents []discoveredAgent
	seen := make(map[string]bool)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entriesCh {
			var addr string
			if entry.AddrV4 != nil {
				addr = entry.AddrV4.String()
			} else if entry.AddrV6 != nil {
				addr = entry.AddrV6.String()
			}
			key := fmt.Sprintf("%s:%d", addr, entry.Port)
			if seen[key] {
				continue
			}
			seen[key] = true
			agents = append(agents, discoveredAgent{
				Nickname: entry.Name,
				Addr:     addr,
				Port:     entry.Port,
				SeenAt:   time.Now(),
			})
		}
	}()

	params := &mdns.QueryParam{
		Service:             transport.ServiceType,
		Domain:              "local",
		Timeout:             timeout,
		Entries:             entriesCh,
		WantUnicastResponse: true,
	}
	err := mdns.Query(params)
	close(entriesCh)
	<-done
	return agents, err
}

func printBanner() {
	banner.Print()
	fmt.Printf("  EdgeKV Discover v%s\n", banner.Version)
	fmt.Println("  Network agent discovery tool")
	fmt.Println()
}

func printUsage() {
	printBanner()
	fmt.Println("  Discovers EdgeKV agents on the local network using mDNS.")
	fmt.Println()
	fmt.Println("  USAGE:")
	fmt.Println("    edgekv-discover [options]")
	fmt.Println()
	fmt.Println("  OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
}

func outputJSON(agents []discoveredAgent) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(agents)
}

func outputQuiet(agents []discoveredAgent) {
	for _, a := range agents {
		fmt.Printf("%s:%d\n", a.Addr, a.Port)
	}
}

func outputHuman(agents []discoveredAgent) {
	fmt.Printf("Found %d EdgeKV agent(s):\n\n", len(agents))
	for _, a := range agents {
		fmt.Printf("  %-24s %s:%d\n", a.Nickname, a.Addr, a.Port)
	}
	fmt.Println()
}

func main() {
	timeout := flag.Int("timeout", 3, "Discovery timeout in seconds")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	quiet := flag.Bool("quiet", false, "Only output addr:port (for scripting)")
	help := flag.Bool("help", false, "Show help")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *help {
		printUsage()
		os.Exit(0)
	}
	if *version {
		fmt.Printf("edgekv-discover version %s\n", banner.Version)
		fmt.Printf("%s\n", banner.Copyright)
		os.Exit(0)
	}

	// hashicorp/mdns logs benign IPv6 lookup errors at the standard
	// logger; discard them so they don't clutter scripted output.
	log.SetOutput(io.Discard)

	if !*quiet && !*jsonOutput {
		printBanner()
		fmt.Printf("Scanning for EdgeKV agents on the network (timeout: %ds)...\n\n", *timeout)
	}

	agents, err := discoverAgents(time.Duration(*timeout) * time.Second)
	if err != nil && !*quiet {
		fmt.Fprintf(os.Stderr, "mDNS query failed: %v\n", err)
	}

	if len(agents) == 0 {
		if !*quiet && !*jsonOutput {
			fmt.Println("No EdgeKV agents found on the network.")
			fmt.Println()
			fmt.Println("  Troubleshooting:")
			fmt.Println("    - EdgeKV agents are not running with discovery enabled")
			fmt.Println("    - mDNS is blocked by a firewall (UDP port 5353)")
			fmt.Println("    - Agents are on a different network segment")
			fmt.Println()
			fmt.Println("  Try: edgekv-discover --timeout 10")
		}
		if *jsonOutput {
			outputJSON(agents)
		}
		os.Exit(0)
	}

	switch {
	case *jsonOutput:
		outputJSON(agents)
	case *quiet:
		outputQuiet(agents)
	default:
		outputHuman(agents)
	}
}
