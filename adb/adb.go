// Package adb runs the adb binary for device discovery and scrcpy setup.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"androidfarm/logging"
	"androidfarm/models"
)

// ErrNotFound is returned when adb reports that a device is not attached.
var ErrNotFound = errors.New("adb: device not found")

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not found") {
			return out, fmt.Errorf("%s: %w", msg, ErrNotFound)
		}
		if msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// Client wraps adb command execution.
type Client struct {
	Path string
	// Enrich fetches Android version, resolution and battery for every
	// listed device. Large farms usually turn it off.
	Enrich bool

	run Runner
	log zerolog.Logger
}

// NewClient returns a client for the adb binary at path ("adb" when empty).
func NewClient(path string) *Client {
	return NewClientWithRunner(path, execRunner)
}

// NewClientWithRunner returns a client that executes commands through run.
func NewClientWithRunner(path string, run Runner) *Client {
	if path == "" {
		path = "adb"
	}
	return &Client{
		Path: path,
		run:  run,
		log:  logging.WithComponent("adb"),
	}
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, error) {
	return c.run(ctx, c.Path, args...)
}

func (c *Client) shell(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	full := append([]string{"-s", deviceID, "shell"}, args...)
	return c.exec(ctx, full...)
}

// ListDevices returns the online devices. When one phone is attached over
// both USB and WiFi only the WiFi entry is kept.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	output, err := c.exec(ctx, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := c.parseDeviceList(ctx, string(output))
	return c.deduplicateDevices(ctx, devices), nil
}

// parseDeviceList parses the output of 'adb devices -l'.
func (c *Client) parseDeviceList(ctx context.Context, output string) []models.Device {
	var devices []models.Device
	for i, line := range strings.Split(output, "\n") {
		if i == 0 || strings.TrimSpace(line) == "" || strings.HasPrefix(line, "*") {
			continue
		}
		// <serial> <state> [key:value ...]
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		serial, state := parts[0], parts[1]
		if state != "device" {
			c.log.Debug().
				Str(logging.FieldDevice, serial).
				Str("adb_state", state).
				Msg("skipping device that is not online")
			continue
		}

		device := models.Device{
			ID:          serial,
			ADBDeviceID: serial,
			Name:        serial,
			Status:      models.StatusOnline,
		}
		for _, part := range parts[2:] {
			if name, ok := strings.CutPrefix(part, "model:"); ok {
				device.Name = strings.ReplaceAll(name, "_", " ")
			}
		}
		if c.Enrich {
			c.enrichDeviceInfo(ctx, &device)
		}
		devices = append(devices, device)
	}
	return devices
}

// isWiFiConnection reports whether the adb id is an ip:port pair.
func isWiFiConnection(adbDeviceID string) bool {
	return strings.Contains(adbDeviceID, ":")
}

func (c *Client) getSerialNumber(ctx context.Context, adbDeviceID string) string {
	out, err := c.shell(ctx, adbDeviceID, "getprop", "ro.serialno")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// deduplicateDevices keys devices by hardware serial, preferring WiFi over
// USB and otherwise the first entry. Output order follows the input.
func (c *Client) deduplicateDevices(ctx context.Context, devices []models.Device) []models.Device {
	index := make(map[string]int, len(devices))
	result := make([]models.Device, 0, len(devices))
	for _, d := range devices {
		hw := c.getSerialNumber(ctx, d.ADBDeviceID)
		if hw == "" {
			hw = d.ADBDeviceID
		}
		d.HardwareSerial = hw

		i, seen := index[hw]
		if !seen {
			index[hw] = len(result)
			result = append(result, d)
			continue
		}
		if isWiFiConnection(d.ADBDeviceID) && !isWiFiConnection(result[i].ADBDeviceID) {
			result[i] = d
		}
	}
	if len(result) != len(devices) {
		c.log.Debug().
			Int("devices", len(result)).
			Int("raw", len(devices)).
			Msg("deduplicated usb/wifi entries")
	}
	return result
}

func (c *Client) enrichDeviceInfo(ctx context.Context, device *models.Device) {
	if v, err := c.shell(ctx, device.ADBDeviceID, "getprop", "ro.build.version.release"); err == nil {
		device.AndroidVersion = strings.TrimSpace(string(v))
	}
	if res, err := c.getScreenResolution(ctx, device.ADBDeviceID); err == nil {
		device.Resolution = res
	}
	if level, err := c.getBatteryLevel(ctx, device.ADBDeviceID); err == nil {
		device.Battery = level
	}
}

// getScreenResolution prefers the override size, which is what the display
// actually renders, over the physical size.
func (c *Client) getScreenResolution(ctx context.Context, deviceID string) (string, error) {
	out, err := c.shell(ctx, deviceID, "wm", "size")
	if err != nil {
		return "", err
	}
	var physical, override string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Physical size:"); ok {
			physical = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "Override size:"); ok {
			override = strings.TrimSpace(v)
		}
	}
	switch {
	case override != "":
		return override, nil
	case physical != "":
		return physical, nil
	default:
		return "unknown", nil
	}
}

func (c *Client) getBatteryLevel(ctx context.Context, deviceID string) (int, error) {
	out, err := c.shell(ctx, deviceID, "dumpsys", "battery")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "level:"); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	return 0, errors.New("battery level not found")
}

// State returns the adb state of deviceID ("device", "offline", ...).
// A detached device yields ErrNotFound.
func (c *Client) State(ctx context.Context, deviceID string) (string, error) {
	out, err := c.exec(ctx, "-s", deviceID, "get-state")
	if err != nil {
		return "", fmt.Errorf("get-state %s: %w", deviceID, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// PushFile copies a local file to the device.
func (c *Client) PushFile(ctx context.Context, deviceID, localPath, remotePath string) error {
	if _, err := c.exec(ctx, "-s", deviceID, "push", localPath, remotePath); err != nil {
		return fmt.Errorf("push %s: %w", localPath, err)
	}
	return nil
}

// Forward forwards a local TCP port to a device abstract socket, as in
// adb -s <id> forward tcp:27183 localabstract:scrcpy.
func (c *Client) Forward(ctx context.Context, deviceID string, localPort int, remoteSocket string) error {
	_, err := c.exec(ctx, "-s", deviceID, "forward",
		fmt.Sprintf("tcp:%d", localPort),
		"localabstract:"+remoteSocket)
	if err != nil {
		return fmt.Errorf("forward tcp:%d: %w", localPort, err)
	}
	return nil
}

// RemoveForward removes the forward on localPort.
func (c *Client) RemoveForward(ctx context.Context, deviceID string, localPort int) error {
	if _, err := c.exec(ctx, "-s", deviceID, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort)); err != nil {
		return fmt.Errorf("remove forward tcp:%d: %w", localPort, err)
	}
	return nil
}

// StartShell starts a long-running shell command on the device. The caller
// owns the returned process and must Wait on it.
func (c *Client) StartShell(deviceID string, args []string) (*exec.Cmd, error) {
	full := append([]string{"-s", deviceID, "shell"}, args...)
	cmd := exec.Command(c.Path, full...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell on %s: %w", deviceID, err)
	}
	return cmd, nil
}
