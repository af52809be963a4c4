package deploy

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/proxy"
	"github.com/depker/depker/repository"
)

var (
	placeholderPattern = regexp.MustCompile(`@@|@\{([A-Za-z][A-Za-z0-9_]*)\}|@([A-Za-z][A-Za-z0-9_]*)`)
	windowsDrive       = regexp.MustCompile(`^([A-Za-z]):[\\/]`)
)

// lookupFunc resolves a placeholder name
type lookupFunc func(name string) (string, bool)

// Expand replaces @NAME and @{NAME} with looked up values. Unknown names are left as is
// and @@ produces a literal @.
func Expand(value string, lookup lookupFunc) string {
	return placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		if match == "@@" {
			return "@"
		}
		sub := placeholderPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if v, ok := lookup(name); ok {
			return v
		}
		return match
	})
}

// secretLookup resolves placeholders from the service secrets, then the server environment
func secretLookup(svc *domain.Service) lookupFunc {
	return func(name string) (string, bool) {
		if v, ok := svc.Secrets[name]; ok {
			return v.Value, true
		}
		return os.LookupEnv(name)
	}
}

func expandAll(values map[string]string, lookup lookupFunc) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = Expand(v, lookup)
	}
	return out
}

// HostPath resolves a volume source: "@/" is the storage root and Windows drive paths
// become the engine's /mnt/<drive> mount.
func HostPath(storageRoot, hpath string) string {
	if rest, ok := strings.CutPrefix(hpath, "@/"); ok {
		return filepath.Join(storageRoot, filepath.FromSlash(rest))
	}
	if m := windowsDrive.FindStringSubmatch(hpath); m != nil {
		rest := strings.ReplaceAll(hpath[len(m[0]):], `\`, "/")
		return "/mnt/" + strings.ToLower(m[1]) + "/" + rest
	}
	return hpath
}

// healthcheck converts seconds to durations and picks the exec or shell form
func healthcheck(h *domain.Healthcheck) *docker.Healthcheck {
	if h == nil || len(h.Commands) == 0 {
		return nil
	}

	var test []string
	switch {
	case slices.Contains([]string{"CMD", "CMD-SHELL", "NONE"}, h.Commands[0]):
		test = slices.Clone(h.Commands)
	case len(h.Commands) == 1:
		test = []string{"CMD-SHELL", h.Commands[0]}
	default:
		test = append([]string{"CMD"}, h.Commands...)
	}

	return &docker.Healthcheck{
		Test:        test,
		Interval:    time.Duration(h.Interval) * time.Second,
		Timeout:     time.Duration(h.Timeout) * time.Second,
		StartPeriod: time.Duration(h.Start) * time.Second,
		Retries:     h.Retries,
	}
}

// restartPolicy maps the service policy; jobs default to "no"
func restartPolicy(svc *domain.Service) (docker.RestartPolicy, error) {
	policy := svc.Process.Restart
	if policy == "" {
		policy = "no"
	}
	name, retries, err := domain.ParseRestartPolicy(policy)
	if err != nil {
		return docker.RestartPolicy{}, err
	}
	return docker.RestartPolicy{Name: name, MaxRetries: retries}, nil
}

// identityLabels are applied last so user labels cannot claim another service
func identityLabels(svc *domain.Service, d *domain.Deploy) map[string]string {
	return map[string]string{
		docker.LabelName: svc.Name,
		docker.LabelID:   strconv.FormatUint(uint64(d.ID), 10),
	}
}

// containerName is unique per attempt; the bare service name is only taken by the swap
func containerName(svc *domain.Service, d *domain.Deploy, now time.Time) string {
	return fmt.Sprintf("%s-%d-%d", svc.Name, d.ID, now.Unix())
}

// disposableName is given to the previous live container during the swap
func disposableName(svc *domain.Service, now time.Time) string {
	return fmt.Sprintf("%s-%d-old", svc.Name, now.Unix())
}

// specInput is everything ContainerSpec needs besides the service
type specInput struct {
	Deploy      *domain.Deploy
	Image       string
	ImagePorts  []int
	Network     string
	StorageRoot string
	Now         time.Time
}

// ContainerSpec computes the replacement container for a deploy
func ContainerSpec(svc *domain.Service, in specInput) (docker.ContainerSpec, error) {
	lookup := secretLookup(svc)

	env := expandAll(svc.Secrets.All(), lookup)
	env["DEPKER_NAME"] = svc.Name
	env["DEPKER_ID"] = strconv.FormatUint(uint64(in.Deploy.ID), 10)
	env["DEPKER_COMMIT"] = in.Deploy.Target

	labels := proxy.Labels(expandAll(svc.Labels.All(), lookup)).
		Merge(proxy.Generate(svc, in.Deploy.Instance(), in.Network, in.ImagePorts)).
		Merge(identityLabels(svc, in.Deploy))

	restart, err := restartPolicy(svc)
	if err != nil {
		return docker.ContainerSpec{}, err
	}

	var mounts []docker.Mount
	for _, v := range svc.Volumes {
		mounts = append(mounts, docker.Mount{
			Source:   HostPath(in.StorageRoot, Expand(v.HostPath, lookup)),
			Target:   v.ContainerPath,
			ReadOnly: v.ReadOnly,
		})
	}

	var hosts []string
	hostMap := svc.Hosts.All()
	for _, name := range slices.Sorted(maps.Keys(hostMap)) {
		hosts = append(hosts, name+":"+Expand(hostMap[name], lookup))
	}

	return docker.ContainerSpec{
		Name:        containerName(svc, in.Deploy, in.Now),
		Image:       in.Image,
		Cmd:         slices.Clone(svc.Process.Commands),
		Entrypoint:  slices.Clone(svc.Process.Entrypoints),
		Env:         envList(env),
		Labels:      labels,
		User:        svc.Process.User,
		WorkingDir:  svc.Process.Workdir,
		Init:        svc.Process.Init,
		Privileged:  svc.Process.Privileged,
		AutoRemove:  svc.Process.Remove,
		Restart:     restart,
		Healthcheck: healthcheck(svc.Process.Healthcheck),
		Mounts:      mounts,
		ExtraHosts:  hosts,
		Network:     in.Network,
		Aliases:     []string{svc.Name},
	}, nil
}

// proxyPorts are the entrypoints the proxy must expose for the service
func proxyPorts(svc *domain.Service) []repository.ProxyPort {
	out := make([]repository.ProxyPort, 0, len(svc.Ports))
	for _, p := range svc.Ports {
		out = append(out, repository.ProxyPort{Proto: p.Proto, Port: p.HostPort})
	}
	return out
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}
