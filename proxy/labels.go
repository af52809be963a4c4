// Package proxy maps service routing onto Traefik docker-provider labels and runs the Traefik container.
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/depker/depker/domain"
)

// CertResolver is the ACME resolver name configured on the proxy
const CertResolver = "depker"

const (
	defaultPort   = 80
	defaultScheme = "http"
)

// Labels is a derived proxy rule set
type Labels map[string]string

// String serialises the labels as sorted key=value lines
func (l Labels) String() string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(l)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// Hash is a stable digest of String
func (l Labels) Hash() string {
	sum := sha256.Sum256([]byte(l.String()))
	return hex.EncodeToString(sum[:])
}

// Merge copies other into l, overwriting existing keys
func (l Labels) Merge(other map[string]string) Labels {
	maps.Copy(l, other)
	return l
}

// Rule returns the router match rule: explicit rule wins, else Host clauses joined with ||
func Rule(r domain.Routing) string {
	if r.Rule != "" {
		return r.Rule
	}
	clauses := make([]string, len(r.Domain))
	for i, d := range r.Domain {
		clauses[i] = "Host(`" + d + "`)"
	}
	return strings.Join(clauses, " || ")
}

// Port picks the backend port: explicit port, else the lowest exposed image port, else 80
func Port(r domain.Routing, imagePorts []int) int {
	if r.Port > 0 {
		return r.Port
	}
	if len(imagePorts) > 0 {
		return slices.Min(imagePorts)
	}
	return defaultPort
}

// Generate computes the proxy labels of one deploy instance of a service.
// Identical input always yields identical output.
func Generate(svc *domain.Service, instance, network string, imagePorts []int) Labels {
	labels := Labels{}
	routed := svc.Routing.Routed()
	if !routed && len(svc.Ports) == 0 {
		return labels
	}

	labels["traefik.enable"] = "true"
	labels["traefik.docker.network"] = network

	if routed {
		generateHTTP(labels, svc.Routing, instance, imagePorts)
	}

	for _, p := range svc.Ports {
		name := fmt.Sprintf("%s-%s-%d", instance, p.Proto, p.ContainerPort)
		router := fmt.Sprintf("traefik.%s.routers.%s", p.Proto, name)
		if p.Proto == "tcp" {
			labels[router+".rule"] = "HostSNI(`*`)"
		}
		labels[router+".entrypoints"] = p.Proto + strconv.Itoa(p.HostPort)
		labels[router+".service"] = name
		labels[fmt.Sprintf("traefik.%s.services.%s.loadbalancer.server.port", p.Proto, name)] = strconv.Itoa(p.ContainerPort)
	}

	return labels
}

func generateHTTP(labels Labels, r domain.Routing, instance string, imagePorts []int) {
	rule := Rule(r)
	scheme := r.Scheme
	if scheme == "" {
		scheme = defaultScheme
	}

	router := "traefik.http.routers." + instance
	service := "traefik.http.services." + instance
	var middlewares []string

	labels[router+".service"] = instance
	labels[service+".loadbalancer.server.scheme"] = scheme
	labels[service+".loadbalancer.server.port"] = strconv.Itoa(Port(r, imagePorts))

	labels[router+".rule"] = rule
	if r.TLS {
		redirect := instance + "-https"
		labels[router+".entrypoints"] = "https"
		labels[router+".tls.certresolver"] = CertResolver

		labels[router+"-http.rule"] = rule
		labels[router+"-http.entrypoints"] = "http"
		labels[router+"-http.middlewares"] = redirect
		labels["traefik.http.middlewares."+redirect+".redirectscheme.scheme"] = "https"
	} else {
		labels[router+".entrypoints"] = "http"
	}

	for _, mw := range r.Middlewares {
		// a middleware without options is never defined, so the router must not reference it
		if len(mw.Options) == 0 {
			continue
		}
		name := instance + "-" + mw.Name
		for k, v := range mw.Options {
			labels[fmt.Sprintf("traefik.http.middlewares.%s.%s.%s", name, mw.Type, k)] = v
		}
		middlewares = append(middlewares, name)
	}

	if len(middlewares) > 0 {
		labels[router+".middlewares"] = strings.Join(dedupe(middlewares), ",")
	}
}

// dedupe keeps the first occurrence of each entry
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
