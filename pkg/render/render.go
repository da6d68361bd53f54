// Package render produces the declarative infrastructure descriptors the
// runner pipeline feeds to terraform and ansible. Rendering is pure:
// fixed inputs always yield byte-identical output.
package render

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// DockerMainParams drives the container driver's main terraform file.
type DockerMainParams struct {
	EnvName         string
	Image           string
	Platform        string
	ExternalNetwork string
	ProxyEnv        []string
}

// OpennebulaMainParams drives the VM driver's main terraform file.
type OpennebulaMainParams struct {
	EnvName    string
	ImageRegex string
	VMGroup    string
	Network    string
}

// OpennebulaVarsParams drives the VM driver's variables file.
type OpennebulaVarsParams struct {
	Endpoint string
	Username string
	Password string
}

// InventoryParams drives the ansible inventory file.
type InventoryParams struct {
	GroupName      string
	Host           string
	ConnectionType string
	RemoteUser     string
	ClientKeyPath  string
}

// DockerMain renders the container driver's main.tf.
func DockerMain(w io.Writer, p DockerMainParams) error {
	return templates.ExecuteTemplate(w, "docker_main.tf.tmpl", p)
}

// OpennebulaMain renders the VM driver's main.tf.
func OpennebulaMain(w io.Writer, p OpennebulaMainParams) error {
	return templates.ExecuteTemplate(w, "opennebula_main.tf.tmpl", p)
}

// OpennebulaVars renders the VM driver's terraform variables file.
func OpennebulaVars(w io.Writer, p OpennebulaVarsParams) error {
	return templates.ExecuteTemplate(w, "opennebula_vars.tfvars.tmpl", p)
}

// Inventory renders the ansible inventory file.
func Inventory(w io.Writer, p InventoryParams) error {
	return templates.ExecuteTemplate(w, "inventory.tmpl", p)
}

// ToFile renders with the given function into a file under dir.
func ToFile[T any](dir, name string, fn func(io.Writer, T) error, p T) error {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if err := fn(f, p); err != nil {
		f.Close()
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	return f.Close()
}
