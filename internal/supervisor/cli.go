package supervisor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// cliListener serves the plain-text operator command protocol on a
// loopback port: one command per line, one "ok:"/"error:" line back.
type cliListener struct {
	cfg config.CLIConfig
	sup *Supervisor

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup
}

func newCLIListener(cfg config.CLIConfig, sup *Supervisor) *cliListener {
	return &cliListener{cfg: cfg, sup: sup, quit: make(chan struct{})}
}

// Start opens the command port
func (c *cliListener) Start() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cli listener: %w", err)
	}
	c.listener = listener
	util.Infof("cli listener on %s", addr)

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Stop closes the command port
func (c *cliListener) Stop() {
	close(c.quit)
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
}

func (c *cliListener) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.quit:
				return
			default:
				continue
			}
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(conn)
		}()
	}
}

func (c *cliListener) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := c.dispatch(line)
		fmt.Fprintln(conn, reply)
	}
}

// dispatch parses and executes one operator command
func (c *cliListener) dispatch(line string) string {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "blocknotify":
		if len(args) < 2 {
			return "error: usage: blocknotify <coin> <blockhash>"
		}
		if !c.sup.BlockNotify(args[0], args[1]) {
			return fmt.Sprintf("error: no running pool for coin %s", args[0])
		}
		return fmt.Sprintf("ok: notified %s of block %s", args[0], args[1])

	case "coinswitch":
		if len(args) < 1 {
			return "error: usage: coinswitch <coin> [switchName] [--algorithm <algo>]"
		}
		coin := args[0]
		switchName := ""
		algorithm := ""
		for i := 1; i < len(args); i++ {
			if args[i] == "--algorithm" && i+1 < len(args) {
				algorithm = args[i+1]
				i++
				continue
			}
			if switchName == "" {
				switchName = args[i]
			}
		}
		if err := c.sup.CoinSwitch(coin, switchName, algorithm); err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("ok: switched to %s", coin)

	case "reloadpool":
		if len(args) < 1 {
			return "error: usage: reloadpool <coin>"
		}
		if err := c.sup.ReloadPool(args[0]); err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("ok: reloaded %s", args[0])

	default:
		return fmt.Sprintf("error: unknown command %q", cmd)
	}
}
