package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	defaultPostgresImage = "postgres:16-alpine"
	postgresReadyTimeout = 30 * time.Second
)

// postgresContainer is a disposable database started through the docker CLI.
// Docker picks the host port (-P) so parallel runs do not collide.
type postgresContainer struct {
	id      string
	connStr string
}

// startPostgresContainer runs POSTGRES_IMAGE (default postgres:16-alpine),
// waits for it to accept queries and returns its DSN with a cleanup func.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	image := os.Getenv("POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm", "-P",
		"--label", "careportal.integration=true",
		"-e", "POSTGRES_USER=careportal",
		"-e", "POSTGRES_PASSWORD=careportal",
		"-e", "POSTGRES_DB=careportal",
		image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w: %s", image, err, out)
	}
	pc := &postgresContainer{id: strings.TrimSpace(string(out))}

	hostPort, err := pc.hostPort(ctx)
	if err != nil {
		pc.remove()
		return "", nil, err
	}
	pc.connStr = fmt.Sprintf("postgres://careportal:careportal@%s/careportal?sslmode=disable", hostPort)

	if err := waitForPostgres(ctx, pc.connStr, postgresReadyTimeout); err != nil {
		logs, _ := exec.Command("docker", "logs", "--tail", "20", pc.id).CombinedOutput()
		pc.remove()
		return "", nil, fmt.Errorf("%w\ncontainer logs:\n%s", err, logs)
	}
	return pc.connStr, pc.remove, nil
}

// hostPort asks docker where 5432/tcp was published, e.g. "0.0.0.0:49153".
func (pc *postgresContainer) hostPort(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", pc.id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	_, port, err := net.SplitHostPort(first)
	if err != nil {
		return "", fmt.Errorf("parse published port %q: %w", first, err)
	}
	return net.JoinHostPort("127.0.0.1", port), nil
}

func (pc *postgresContainer) remove() {
	_ = exec.Command("docker", "rm", "-f", pc.id).Run()
}

// waitForPostgres retries a single connection until SELECT 1 succeeds. The
// server restarts once during init, so a lone successful dial is not enough.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for {
		if lastErr = ping(ctx, connStr); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, lastErr)
		case <-tick.C:
		}
	}
}

func ping(ctx context.Context, connStr string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	var one int
	return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
}
