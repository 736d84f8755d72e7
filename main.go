package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/term"

	"github.com/sdsr/ssh-manager/internal/config"
	"github.com/sdsr/ssh-manager/internal/logging"
	"github.com/sdsr/ssh-manager/internal/queue"
	"github.com/sdsr/ssh-manager/internal/sshpool"
	"github.com/sdsr/ssh-manager/internal/vault"
)

// app holds the wired core: the vault, the session pool, and the work queue.
// All console commands go through it; nothing here is global, so tests and
// future embedders can run several instances in one process.
type app struct {
	vault *vault.Vault
	pool  *sshpool.Manager
	queue *queue.Queue
}

func main() {
	vaultPath := flag.String("vault", "", "vault file path (overrides SSHVAULT_VAULT_PATH)")
	flag.Parse()

	config.Load()
	if *vaultPath != "" {
		config.Cfg.VaultPath = *vaultPath
	}
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	connectTimeout, err := time.ParseDuration(config.Cfg.ConnectTimeout)
	if err != nil {
		log.Fatalf("invalid connect timeout %q: %v", config.Cfg.ConnectTimeout, err)
	}
	idleTimeout, err := time.ParseDuration(config.Cfg.IdleTimeout)
	if err != nil {
		log.Fatalf("invalid idle timeout %q: %v", config.Cfg.IdleTimeout, err)
	}

	v := vault.Open(config.Cfg.VaultPath, config.Cfg.KDFIterations)
	if err := unlockInteractive(v); err != nil {
		log.Fatalf("unlock vault: %v", err)
	}

	pool := sshpool.NewManager(v, sshpool.Config{
		ConnectTimeout: connectTimeout,
		IdleTimeout:    idleTimeout,
	})
	q := queue.New(queue.NewDispatcher(pool).Run, config.Cfg.Workers, config.Cfg.QueueCapacity)

	a := &app{vault: v, pool: pool, queue: q}

	// Periodic idle-session sweep
	c := cron.New()
	c.AddFunc("@every 1m", func() {
		if n := pool.CleanupIdle(); n > 0 {
			log.Printf("closed %d idle session(s)", n)
		}
	})
	c.Start()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println()
		a.shutdown(c)
		os.Exit(0)
	}()

	log.Printf("vault: %s (%d profiles)", v.Path(), profileCount(v))
	a.repl()
	a.shutdown(c)
}

func (a *app) shutdown(c *cron.Cron) {
	c.Stop()
	a.queue.Close()
	a.pool.CloseAll()
	a.vault.Lock()
	log.Printf("shutdown complete")
}

func profileCount(v *vault.Vault) int {
	profiles, err := v.List()
	if err != nil {
		return 0
	}
	return len(profiles)
}

// unlockInteractive prompts for the master passphrase, creating the vault on
// first run. Three attempts for an existing vault.
func unlockInteractive(v *vault.Vault) error {
	if !v.Initialized() {
		fmt.Printf("No vault found at %s, creating one.\n", v.Path())
		for {
			pass, err := readSecret("New master passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := readSecret("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if pass == "" {
				fmt.Println("Passphrase must not be empty.")
				continue
			}
			if pass != confirm {
				fmt.Println("Passphrases do not match.")
				continue
			}
			return v.Unlock(pass)
		}
	}

	for attempt := 1; attempt <= 3; attempt++ {
		pass, err := readSecret("Master passphrase: ")
		if err != nil {
			return err
		}
		err = v.Unlock(pass)
		if err == nil {
			return nil
		}
		if attempt < 3 {
			fmt.Printf("%v\n", err)
			continue
		}
		return err
	}
	return vault.ErrWrongPassphrase
}

func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}

func readLine(scanner *bufio.Scanner, prompt string) (string, bool) {
	fmt.Print(prompt)
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}

// repl reads commands from stdin until quit or EOF. It never blocks on
// remote I/O directly: every remote operation goes through the queue and is
// awaited via its Future.
func (a *app) repl() {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		line, ok := readLine(scanner, "ssh-vault> ")
		if !ok {
			return
		}
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "quit", "exit":
			return
		case "help":
			printHelp()
		case "list":
			a.cmdList()
		case "show":
			a.cmdShow(args)
		case "add":
			a.cmdAdd(scanner)
		case "remove":
			a.cmdRemove(args)
		case "exec":
			a.cmdExec(args)
		case "exec-all":
			a.cmdExecAll("", args)
		case "exec-group":
			if len(args) == 0 {
				fmt.Println("usage: exec-group <group> <command...>")
			} else {
				a.cmdExecAll(args[0], args[1:])
			}
		case "upload":
			a.cmdTransfer(queue.KindUpload, args)
		case "download":
			a.cmdTransfer(queue.KindDownload, args)
		case "connect":
			a.cmdConnect(args)
		case "disconnect":
			a.cmdDisconnect(args)
		case "sessions":
			a.cmdSessions()
		case "history":
			a.cmdHistory(args)
		case "rekey":
			a.cmdRekey()
		case "lock":
			a.pool.CloseAll()
			a.vault.Lock()
			fmt.Println("Vault locked; all sessions closed.")
		case "unlock":
			if a.vault.Unlocked() {
				fmt.Println("Vault is already unlocked.")
				continue
			}
			if err := unlockInteractive(a.vault); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "logs":
			a.cmdLogs(args)
		default:
			fmt.Printf("unknown command %q (try: help)\n", cmd)
		}
	}
}

func printHelp() {
	fmt.Print(`Commands:
  list                              list stored profiles
  show <name>                       show one profile (secrets masked)
  add                               add a profile interactively
  remove <name>                     delete a profile
  exec <name> <command...>          run a command on a host
  exec-all <command...>             run a command on every host
  exec-group <group> <command...>   run a command on every host in a group
  upload <name> <local> <remote>    copy a local file to a host
  download <name> <remote> <local>  copy a remote file locally
  connect <name>                    open a session without running anything
  disconnect <name>                 close a host's session
  sessions                          list live sessions
  history <name>                    show session state transitions
  rekey                             change the master passphrase
  lock / unlock                     lock or unlock the vault
  logs [n]                          show the last n log lines (default 20)
  quit                              exit
`)
}

// resolve maps an operator-facing profile name to its stored profile.
func (a *app) resolve(name string) (vault.HostProfile, bool) {
	p, err := a.vault.FindByName(name)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return vault.HostProfile{}, false
	}
	return p, true
}

// await submits a job and blocks the console on its future.
func (a *app) await(job queue.Job) (queue.Result, bool) {
	fut, err := a.queue.Submit(context.Background(), job)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return queue.Result{}, false
	}
	res, err := fut.Wait(context.Background())
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return queue.Result{}, false
	}
	return res, true
}

func (a *app) cmdList() {
	profiles, err := a.vault.List()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles stored.")
		return
	}
	for _, p := range profiles {
		state := a.pool.StateOf(p.ID)
		fmt.Printf("  %-20s %s@%s:%d  [%s]  %s\n", p.Name, p.Username, p.Host, p.Port, p.Group, state)
	}
}

func (a *app) cmdShow(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: show <name>")
		return
	}
	p, ok := a.resolve(args[0])
	if !ok {
		return
	}
	fmt.Printf("  name:        %s\n", p.Name)
	fmt.Printf("  host:        %s:%d\n", p.Host, p.Port)
	fmt.Printf("  username:    %s\n", p.Username)
	fmt.Printf("  auth:        %s\n", p.Credential.Method)
	fmt.Printf("  group:       %s\n", p.Group)
	if p.Description != "" {
		fmt.Printf("  description: %s\n", p.Description)
	}
	fmt.Printf("  created:     %s\n", p.CreatedAt.Format(time.RFC3339))
}

func (a *app) cmdAdd(scanner *bufio.Scanner) {
	name, ok := readLine(scanner, "  name: ")
	if !ok {
		return
	}
	host, ok := readLine(scanner, "  host: ")
	if !ok {
		return
	}
	portStr, ok := readLine(scanner, "  port [22]: ")
	if !ok {
		return
	}
	port := 22
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			fmt.Printf("error: invalid port %q\n", portStr)
			return
		}
		port = p
	}
	user, ok := readLine(scanner, "  username: ")
	if !ok {
		return
	}
	method, ok := readLine(scanner, "  auth method (password/private-key) [password]: ")
	if !ok {
		return
	}

	cred := vault.Credential{Method: vault.AuthPassword}
	switch method {
	case "", "password":
		pass, err := readSecret("  password: ")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		cred.Password = pass
	case "private-key":
		keyPath, ok := readLine(scanner, "  private key file: ")
		if !ok {
			return
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		keyPass, err := readSecret("  key passphrase (empty if none): ")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		cred = vault.Credential{
			Method:        vault.AuthPrivateKey,
			PrivateKeyPEM: string(pem),
			KeyPassphrase: keyPass,
		}
	default:
		fmt.Printf("error: unknown auth method %q\n", method)
		return
	}
	group, ok := readLine(scanner, "  group [default]: ")
	if !ok {
		return
	}

	added, err := a.vault.Put(vault.HostProfile{
		Name:       name,
		Host:       host,
		Port:       port,
		Username:   user,
		Credential: cred,
		Group:      group,
	})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("Added %s\n", added)
}

func (a *app) cmdRemove(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: remove <name>")
		return
	}
	p, ok := a.resolve(args[0])
	if !ok {
		return
	}
	a.pool.Release(p.ID)
	if err := a.vault.Remove(p.ID); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("Removed %s\n", p.Name)
}

func (a *app) cmdExec(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: exec <name> <command...>")
		return
	}
	p, ok := a.resolve(args[0])
	if !ok {
		return
	}
	res, ok := a.await(queue.Job{
		HostID:  p.ID,
		Kind:    queue.KindExecute,
		Command: strings.Join(args[1:], " "),
	})
	if !ok {
		return
	}
	if res.Exec != nil {
		if res.Exec.Stdout != "" {
			fmt.Print(res.Exec.Stdout)
		}
		if res.Exec.Stderr != "" {
			fmt.Fprint(os.Stderr, res.Exec.Stderr)
		}
		if res.Exec.Incomplete {
			fmt.Println("(output incomplete: transport lost)")
		}
	}
	if res.Err != nil {
		fmt.Printf("error: %v\n", res.Err)
		return
	}
	fmt.Printf("exit %d (%s)\n", res.Exec.ExitCode, res.Exec.Duration.Round(time.Millisecond))
}

// cmdExecAll runs one command against every stored host, or every host in a
// group when group is non-empty. Jobs are submitted together so hosts run in
// parallel, then results are printed per host in profile order.
func (a *app) cmdExecAll(group string, args []string) {
	if len(args) < 1 {
		if group == "" {
			fmt.Println("usage: exec-all <command...>")
		} else {
			fmt.Println("usage: exec-group <group> <command...>")
		}
		return
	}
	profiles, err := a.vault.List()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	var targets []vault.HostProfile
	for _, p := range profiles {
		if group == "" || p.Group == group {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		fmt.Println("No matching profiles.")
		return
	}

	cmd := strings.Join(args, " ")
	jobs := make([]queue.Job, len(targets))
	for i, p := range targets {
		jobs[i] = queue.Job{HostID: p.ID, Kind: queue.KindExecute, Command: cmd}
	}

	futs := a.queue.SubmitAll(context.Background(), jobs)
	for i, fut := range futs {
		fmt.Printf("=== %s ===\n", targets[i].Name)
		res, err := fut.Wait(context.Background())
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if res.Exec != nil {
			if res.Exec.Stdout != "" {
				fmt.Print(res.Exec.Stdout)
			}
			if res.Exec.Stderr != "" {
				fmt.Fprint(os.Stderr, res.Exec.Stderr)
			}
		}
		if res.Err != nil {
			fmt.Printf("error: %v\n", res.Err)
			continue
		}
		fmt.Printf("exit %d (%s)\n", res.Exec.ExitCode, res.Exec.Duration.Round(time.Millisecond))
	}
}

func (a *app) cmdTransfer(kind queue.Kind, args []string) {
	if len(args) != 3 {
		if kind == queue.KindUpload {
			fmt.Println("usage: upload <name> <local> <remote>")
		} else {
			fmt.Println("usage: download <name> <remote> <local>")
		}
		return
	}
	p, ok := a.resolve(args[0])
	if !ok {
		return
	}
	job := queue.Job{HostID: p.ID, Kind: kind}
	if kind == queue.KindUpload {
		job.LocalPath, job.RemotePath = args[1], args[2]
	} else {
		job.RemotePath, job.LocalPath = args[1], args[2]
	}
	res, ok := a.await(job)
	if !ok {
		return
	}
	if res.Err != nil {
		fmt.Printf("error: %v\n", res.Err)
		return
	}
	fmt.Printf("done (%s)\n", res.Finished.Sub(res.Started).Round(time.Millisecond))
}

func (a *app) cmdConnect(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: connect <name>")
		return
	}
	p, ok := a.resolve(args[0])
	if !ok {
		return
	}
	res, ok := a.await(queue.Job{HostID: p.ID, Kind: queue.KindConnect})
	if !ok {
		return
	}
	if res.Err != nil {
		fmt.Printf("error: %v\n", res.Err)
		return
	}
	fmt.Printf("Connected to %s\n", p.Name)
}

func (a *app) cmdDisconnect(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: disconnect <name>")
		return
	}
	p, ok := a.resolve(args[0])
	if !ok {
		return
	}
	if _, ok := a.await(queue.Job{HostID: p.ID, Kind: queue.KindDisconnect}); ok {
		fmt.Printf("Disconnected %s\n", p.Name)
	}
}

func (a *app) cmdSessions() {
	infos := a.pool.Sessions()
	if len(infos) == 0 {
		fmt.Println("No live sessions.")
		return
	}
	for _, s := range infos {
		fmt.Printf("  %-20s %s  [%s]  last used %s\n",
			s.Name, s.Addr, s.State, s.LastUsed.Format(time.RFC3339))
	}
}

func (a *app) cmdHistory(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: history <name>")
		return
	}
	p, ok := a.resolve(args[0])
	if !ok {
		return
	}
	transitions := a.pool.Transitions(p.ID)
	if len(transitions) == 0 {
		fmt.Println("No session history.")
		return
	}
	for _, tr := range transitions {
		fmt.Printf("  %s  %s -> %s  %s\n",
			tr.Timestamp.Format(time.RFC3339), tr.From, tr.To, tr.Reason)
	}
}

func (a *app) cmdRekey() {
	oldPass, err := readSecret("Current passphrase: ")
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	newPass, err := readSecret("New passphrase: ")
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	confirm, err := readSecret("Confirm new passphrase: ")
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if newPass == "" || newPass != confirm {
		fmt.Println("Passphrases empty or do not match.")
		return
	}
	if err := a.vault.Rekey(oldPass, newPass); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("Vault re-keyed.")
}

func (a *app) cmdLogs(args []string) {
	n := 20
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			fmt.Println("usage: logs [n]")
			return
		}
		n = v
	}
	tail, err := logging.ReadTail(n)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if tail == "" {
		fmt.Println("No log output (file logging disabled?).")
		return
	}
	fmt.Println(tail)
}
