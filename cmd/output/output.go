// Package output provides functions to print messages with optional color formatting
package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
)

const (
	Plain   = color.FgWhite
	Success = color.FgGreen
	Warning = color.FgYellow
	Error   = color.FgRed
	Info    = color.FgCyan
)

const timeLayout = "2006-01-02 15:04:05"

var maybeColorize func(kind color.Attribute, tmpl string, a ...any) string

// InitColors sets up color functions based on environment
func InitColors(isColorDisabled bool) {
	if color.NoColor || isColorDisabled {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return fmt.Sprintf(tmpl, a...)
		}
	} else {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return color.New(kind).SprintfFunc()(tmpl, a...)
		}
	}
}

// PrintMessage formats a message with color (if enabled) and a trailing newline
func PrintMessage(kind color.Attribute, tmpl string, a ...any) string {
	if maybeColorize == nil || kind == Plain {
		return fmt.Sprintf(tmpl+"\n", a...)
	}
	return fmt.Sprintln(maybeColorize(kind, tmpl, a...))
}

func fprint(cmd *cobra.Command, kind color.Attribute, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), PrintMessage(kind, tmpl, a...))
	return err
}

func FprintPlain(cmd *cobra.Command, tmpl string, a ...any) error {
	return fprint(cmd, Plain, tmpl, a...)
}

func FprintSuccess(cmd *cobra.Command, tmpl string, a ...any) error {
	return fprint(cmd, Success, tmpl, a...)
}

func FprintWarning(cmd *cobra.Command, tmpl string, a ...any) error {
	return fprint(cmd, Warning, tmpl, a...)
}

func FprintError(cmd *cobra.Command, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.ErrOrStderr(), PrintMessage(Error, tmpl, a...))
	return err
}

func PrintTable(header []string, data [][]string) (string, error) {
	buf := strings.Builder{}

	table := tablewriter.NewTable(
		&buf,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.Off,
				},
				Separators: tw.Separators{
					BetweenColumns: tw.Off,
				},
			},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{PerColumn: []tw.Align{tw.AlignRight, tw.AlignLeft}},
			},
		}))

	if len(header) > 0 {
		table.Header(header)
	}

	if err := table.Bulk(data); err != nil {
		return "", fmt.Errorf("bulk adding data to table: %w", err)
	}

	if err := table.Render(); err != nil {
		return "", fmt.Errorf("rendering table: %w", err)
	}

	return buf.String(), nil
}

// SourceString describes where a service is deployed from
func SourceString(src domain.Source) string {
	switch src.Kind {
	case domain.SourceGit:
		if src.Branch != "" {
			return fmt.Sprintf("%s#%s", src.URL, src.Branch)
		}
		return src.URL
	case domain.SourceImage:
		return src.Image
	default:
		return src.Path
	}
}

// PrintServiceDetails renders a service. live may be nil; next is zero for unscheduled services.
func PrintServiceDetails(svc *domain.Service, live *docker.ContainerInfo, next time.Time) (string, error) {
	data := [][]string{
		{"ID", svc.ID.String()},
		{"Name", svc.Name},
		{"Type", svc.Type.String()},
		{"Buildpack", svc.Buildpack},
		{"Source", fmt.Sprintf("%s (%s)", SourceString(svc.Source), svc.Source.Kind)},
	}

	if svc.Routing.Routed() {
		routing := strings.Join(svc.Routing.Domain, ", ")
		if svc.Routing.Rule != "" {
			routing = svc.Routing.Rule
		}
		data = append(data, []string{"Routing", routing})
	}
	if svc.Cron != "" {
		data = append(data, []string{"Schedule", svc.Cron})
		if !next.IsZero() {
			data = append(data, []string{"Next Run", next.Format(timeLayout)})
		}
	}
	if len(svc.Ports) > 0 {
		ports := make([]string, len(svc.Ports))
		for i, p := range svc.Ports {
			ports[i] = fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Proto)
		}
		data = append(data, []string{"Ports", FormatStringList(ports)})
	}
	if len(svc.Secrets) > 0 {
		secrets := make([]string, 0, len(svc.Secrets))
		for _, k := range svc.Secrets.Keys() {
			secrets = append(secrets, fmt.Sprintf("%s=%s", k, MaskSensitiveValue(svc.Secrets[k].Value)))
		}
		data = append(data, []string{"Secrets", strings.Join(secrets, "\n")})
	}

	container := "(none)"
	if live != nil {
		container = fmt.Sprintf("%s %s (%s)", FormatCommitHash(live.ID), live.State, live.Image)
	}
	data = append(data,
		[]string{"Container", container},
		[]string{"Last Commit", FormatCommitHash(svc.LastCommitStr())},
		[]string{"Created At", svc.CreatedAt.Format(timeLayout)},
		[]string{"Updated At", svc.UpdatedAt.Format(timeLayout)},
	)

	table, err := PrintTable([]string{}, data)
	if err != nil {
		return "", fmt.Errorf("printing service details table: %w", err)
	}
	return table, nil
}

func PrintServiceList(services []*domain.Service) (string, error) {
	if len(services) == 0 {
		return PrintMessage(Plain, "No services found."), nil
	}

	header := []string{"Name", "Type", "Buildpack", "Source", "Updated At"}
	var data [][]string
	for _, svc := range services {
		data = append(data, []string{
			svc.Name,
			svc.Type.String(),
			svc.Buildpack,
			TruncateString(SourceString(svc.Source), 48),
			svc.UpdatedAt.Format(timeLayout),
		})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing service list table: %w", err)
	}
	return table, nil
}

func PrintDeployList(deploys []*domain.Deploy) (string, error) {
	if len(deploys) == 0 {
		return PrintMessage(Plain, "No deploys found."), nil
	}

	header := []string{"ID", "Status", "Phase", "Trigger", "Target", "Created At"}
	var data [][]string
	for _, d := range deploys {
		phase := string(d.Phase)
		if phase == "" {
			phase = "-"
		}
		data = append(data, []string{
			fmt.Sprintf("%d", d.ID),
			StatusString(d.Status),
			phase,
			string(d.Trigger),
			TruncateString(d.Target, 40),
			d.CreatedAt.Format(timeLayout),
		})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing deploy list table: %w", err)
	}
	return table, nil
}

// StatusString colors a deploy status by outcome
func StatusString(s domain.DeployStatus) string {
	if maybeColorize == nil {
		return s.String()
	}
	switch s {
	case domain.DeployStatusSuccess:
		return maybeColorize(Success, "%s", s)
	case domain.DeployStatusFailed:
		return maybeColorize(Error, "%s", s)
	case domain.DeployStatusRunning:
		return maybeColorize(Info, "%s", s)
	default:
		return s.String()
	}
}

// FormatLogLine renders a stored deploy log line for the terminal
func FormatLogLine(line domain.LogLine) string {
	kind := Plain
	switch line.Level {
	case domain.LogStep:
		kind = Info
	case domain.LogSuccess:
		kind = Success
	case domain.LogError:
		kind = Error
	}
	return PrintMessage(kind, "%s %s", line.Time.Format("15:04:05"), line.Text)
}

// FormatPorts renders proxy ports sorted by protocol and number
func FormatPorts(ports []string) string {
	sorted := append([]string(nil), ports...)
	sort.Strings(sorted)
	return FormatStringList(sorted)
}

// MaskSensitiveValue keeps the first and last characters of longer values
func MaskSensitiveValue(value string) string {
	switch n := len(value); {
	case n == 0:
		return "(not set)"
	case n <= 2:
		return strings.Repeat("*", n)
	case n <= 16:
		return value[:1] + strings.Repeat("*", n-2) + value[n-1:]
	default:
		return value[:3] + strings.Repeat("*", n-6) + value[n-3:]
	}
}

// FormatCommitHash shortens a commit or container id to eight characters
func FormatCommitHash(hash string) string {
	if hash == "" {
		return "-"
	}
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return strings.Repeat(".", maxLen)
	}
	return s[:maxLen-3] + "..."
}

// FormatStringList numbers items when there is more than one
func FormatStringList(items []string) string {
	switch len(items) {
	case 0:
		return "(none)"
	case 1:
		return items[0]
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("%d. %s", i+1, item)
	}
	return strings.Join(lines, "\n")
}

// NoColor is a flag that can be used to disable colored output in the CLI.
var NoColor = &noColorFlag{set: false}

type noColorFlag struct {
	set bool
}

func (f *noColorFlag) Set(value string) error {
	// This is a boolean flag, so we ignore the value and just mark it as set
	f.set = true
	return nil
}

func (f *noColorFlag) String() string {
	if f.set {
		return "true"
	}
	return "false"
}

func (f *noColorFlag) Type() string {
	return "bool"
}

// IsSet returns true if the --no-color flag was explicitly set
func (f *noColorFlag) IsSet() bool {
	return f.set
}

// IsBoolFlag tells pflag this is a boolean flag (no argument required)
func (f *noColorFlag) IsBoolFlag() bool {
	return true
}
