// Package backup builds per-container and per-stack artifacts: choosing a
// database-dump strategy or a volume-tar strategy per container, writing
// the resulting files through internal/artifact, and recording exactly
// the metadata a later restore needs to reverse the process.
package backup

import (
	"encoding/json"
	"time"

	"github.com/stackvault/backupd/internal/detect"
	"github.com/stackvault/backupd/internal/model"
)

// ContainerConfig is the config.json schema: the sole source of truth a
// later restore reads to recreate a container.
type ContainerConfig struct {
	Name            string            `json:"name"`
	Image           string            `json:"image"`
	Env             []string          `json:"env"`
	Ports           map[string]struct{} `json:"ports"`
	HostConfig      HostConfig        `json:"hostConfig"`
	Cmd             []string          `json:"cmd"`
	NetworkSettings NetworkSettings   `json:"networkSettings"`
	AppType         detect.AppType    `json:"appType"`
	BackupPaths     []string          `json:"backupPaths"`
	ComposeProject  string            `json:"composeProject,omitempty"`
	ComposeService  string            `json:"composeService,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// HostConfig carries the subset of host-side configuration a restore
// needs to recreate bindings exactly.
type HostConfig struct {
	PortBindings []model.PortBinding `json:"PortBindings"`
	Binds        []model.Bind        `json:"Binds"`
}

// NetworkSettings carries the original network attachments.
type NetworkSettings struct {
	Networks map[string]model.NetworkAttachment `json:"Networks"`
}

// buildConfig assembles a ContainerConfig from a live handle, the
// detected app type, and the set of paths actually captured (possibly
// empty for a dump-branch container).
func buildConfig(h model.ContainerHandle, appType detect.AppType, backupPaths []string, now time.Time) ContainerConfig {
	ports := make(map[string]struct{}, len(h.Ports))
	for containerPort := range h.Ports {
		ports[containerPort] = struct{}{}
	}

	var bindings []model.PortBinding
	for containerPort, hostPort := range h.Ports {
		proto := "tcp"
		cp := containerPort
		if idx := lastSlash(containerPort); idx >= 0 {
			cp = containerPort[:idx]
			proto = containerPort[idx+1:]
		}
		bindings = append(bindings, model.PortBinding{HostPort: hostPort, ContainerPort: cp, Protocol: proto})
	}

	return ContainerConfig{
		Name:        h.Name,
		Image:       h.Image,
		Env:         h.Env,
		Ports:       ports,
		HostConfig:  HostConfig{PortBindings: bindings, Binds: h.Binds},
		Cmd:         h.Command,
		NetworkSettings: NetworkSettings{Networks: h.Networks},
		AppType:     appType,
		BackupPaths: backupPaths,
		ComposeProject: h.ComposeProject,
		ComposeService: h.ComposeService,
		Timestamp:   now,
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func marshalConfig(cfg ContainerConfig) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}

// StackMetadata is the stack_metadata.json schema.
type StackMetadata struct {
	StackName  string              `json:"stackName"`
	Timestamp  time.Time           `json:"timestamp"`
	Containers []StackMemberRecord `json:"containers"`
}

// StackMemberRecord identifies one container archived into a unified
// stack artifact.
type StackMemberRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Service string `json:"service"`
}

func marshalStackMetadata(m StackMetadata) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
