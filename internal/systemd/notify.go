package systemd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Notifier speaks the sd_notify datagram protocol
type Notifier struct {
	socket string

	mu   sync.Mutex
	conn net.Conn
}

// NewNotifier creates a notifier bound to $NOTIFY_SOCKET
func NewNotifier() *Notifier {
	return NewNotifierWithSocket(os.Getenv("NOTIFY_SOCKET"))
}

// NewNotifierWithSocket creates a notifier bound to an explicit socket path
func NewNotifierWithSocket(socket string) *Notifier {
	return &Notifier{socket: socket}
}

// IsAvailable reports whether a notify socket was provided
func (n *Notifier) IsAvailable() bool {
	return n.socket != ""
}

func (n *Notifier) send(message string) error {
	if !n.IsAvailable() {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		addr := n.socket
		// abstract namespace sockets are announced with a leading '@'
		if addr[0] == '@' {
			addr = "\x00" + addr[1:]
		}
		conn, err := net.Dial("unixgram", addr)
		if err != nil {
			return fmt.Errorf("failed to connect to systemd socket: %w", err)
		}
		n.conn = conn
	}

	_, err := n.conn.Write([]byte(message))
	return err
}

// NotifyReady notifies systemd that the service is ready
func (n *Notifier) NotifyReady() error {
	return n.send("READY=1\n")
}

// NotifyStopping notifies systemd that the service is stopping
func (n *Notifier) NotifyStopping() error {
	return n.send("STOPPING=1\n")
}

// NotifyWatchdog pings the systemd watchdog
func (n *Notifier) NotifyWatchdog() error {
	return n.send("WATCHDOG=1\n")
}

// NotifyStatus updates the free-form status line shown by systemctl
func (n *Notifier) NotifyStatus(status string) error {
	return n.send(fmt.Sprintf("STATUS=%s\n", status))
}

// Close closes the systemd notification connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

// WatchdogInterval returns half of $WATCHDOG_USEC, or zero when the unit has no watchdog
func WatchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// StartWatchdog pings the watchdog every interval until ctx is done
func (n *Notifier) StartWatchdog(ctx context.Context, interval time.Duration, onError func(error)) {
	if !n.IsAvailable() || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := n.NotifyWatchdog(); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}
