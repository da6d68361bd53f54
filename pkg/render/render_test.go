package render

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInventoryDocker(t *testing.T) {
	var buf bytes.Buffer
	err := Inventory(&buf, InventoryParams{
		GroupName:      "docker_abc",
		Host:           "docker_abc",
		ConnectionType: "docker",
	})
	require.NoError(t, err)

	want := "[docker_abc]\ndocker_abc\n\n[docker_abc:vars]\nansible_connection=docker\n"
	assert.Equal(t, want, buf.String())
}

func TestInventorySSH(t *testing.T) {
	var buf bytes.Buffer
	err := Inventory(&buf, InventoryParams{
		GroupName:      "opennebula_abc",
		Host:           "10.1.2.3",
		ConnectionType: "ssh",
		RemoteUser:     "root",
		ClientKeyPath:  "/etc/crucible/id_rsa",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[opennebula_abc]\n10.1.2.3\n")
	assert.Contains(t, out, "ansible_connection=ssh")
	assert.Contains(t, out, "ansible_user=root")
	assert.Contains(t, out, "ansible_ssh_private_key_file=/etc/crucible/id_rsa")
}

func TestInventoryRenderingIsStable(t *testing.T) {
	p := InventoryParams{GroupName: "g", Host: "h", ConnectionType: "docker"}

	var a, b bytes.Buffer
	require.NoError(t, Inventory(&a, p))
	require.NoError(t, Inventory(&b, p))
	assert.Equal(t, a.String(), b.String())
}

func TestDockerMain(t *testing.T) {
	var buf bytes.Buffer
	err := DockerMain(&buf, DockerMainParams{
		EnvName:  "docker_task1",
		Image:    "fedora:41",
		Platform: "linux/amd64",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `name          = "fedora:41"`)
	assert.Contains(t, out, `platform      = "linux/amd64"`)
	assert.Contains(t, out, `resource "docker_container" "docker_task1"`)
	assert.NotContains(t, out, "networks_advanced")
	assert.NotContains(t, out, "env = [")
}

func TestDockerMainWithNetworkAndProxy(t *testing.T) {
	var buf bytes.Buffer
	err := DockerMain(&buf, DockerMainParams{
		EnvName:         "docker_task2",
		Image:           "ubuntu:24.04",
		Platform:        "linux/arm64/v8",
		ExternalNetwork: "test-net",
		ProxyEnv:        []string{"http_proxy=http://proxy:3128"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `name = "test-net"`)
	assert.Contains(t, out, `"http_proxy=http://proxy:3128",`)
}

func TestOpennebulaMainEmbedsRegex(t *testing.T) {
	search := ImageSearch{
		DistName:    "almalinux",
		DistVersion: "8.10",
		DistArch:    "x86_64",
		Channels:    []string{"stable"},
	}

	var buf bytes.Buffer
	err := OpennebulaMain(&buf, OpennebulaMainParams{
		EnvName:    "opennebula_task3",
		ImageRegex: search.TerraformRegex(),
		Network:    "lab",
	})
	require.NoError(t, err)

	out := buf.String()
	// The regex lands inside a terraform string literal, so every
	// backslash must be doubled.
	assert.Contains(t, out, `b\\d{8}-\\d+`)
	assert.NotContains(t, out, `b\d{8}`)
	assert.Contains(t, out, `output "vm_ip"`)
	assert.Contains(t, out, `network = "lab"`)
}

func TestToFile(t *testing.T) {
	dir := t.TempDir()
	err := ToFile(dir, "inventory", Inventory, InventoryParams{
		GroupName:      "g",
		Host:           "h",
		ConnectionType: "docker",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "inventory"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[g]\nh\n"))
}
