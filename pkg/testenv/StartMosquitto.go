package testenv

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path"
	"time"
)

// MqttPort of the test broker instance. Off the standard port so a broker
// already running on the host is not disturbed.
const MqttPort = 9883

// mosquittoStartTimeout until the broker must accept connections
const mosquittoStartTimeout = 5 * time.Second

// StartMosquitto launches a mosquitto broker for testing with anonymous
// access on MqttPort. The generated configuration is written to
// configFolder. Returns the broker process to pass to StopMosquitto.
func StartMosquitto(configFolder string) (*exec.Cmd, error) {
	configFile := path.Join(configFolder, "mosquitto-test.conf")
	config := fmt.Sprintf("listener %d\nallow_anonymous true\n", MqttPort)
	if err := os.WriteFile(configFile, []byte(config), 0600); err != nil {
		return nil, err
	}
	cmd := exec.Command("mosquitto", "-c", configFile)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("can't launch mosquitto: %w", err)
	}
	deadline := time.Now().Add(mosquittoStartTimeout)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", MqttPort))
		if err == nil {
			_ = conn.Close()
			return cmd, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = cmd.Process.Kill()
	return nil, fmt.Errorf("mosquitto is not listening on port %d", MqttPort)
}

// StopMosquitto stops a broker started with StartMosquitto
func StopMosquitto(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
}
