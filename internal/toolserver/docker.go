package toolserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/common/logger"
)

// containerRuntime spawns a docker-mode tool server as a container with
// stdin/stdout attached, the same attach-and-demultiplex pattern used
// elsewhere in this codebase for interactive containers, repurposed here to
// carry a JSON-RPC stream instead of a terminal session.
type containerRuntime struct {
	cli *dockerclient.Client
	log *logger.Logger
}

func newContainerRuntime(log *logger.Logger) (*containerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &containerRuntime{cli: cli, log: log}, nil
}

func (r *containerRuntime) Close() error {
	return r.cli.Close()
}

// attachedContainer is a running container with its JSON-RPC stream attached.
type attachedContainer struct {
	ID     string
	Stdin  io.WriteCloser
	Stdout io.Reader
	conn   net.Conn
}

func (a *attachedContainer) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	return nil
}

// spawn creates, starts, and attaches a container running the given image and
// command, returning a stream suitable for newline-delimited JSON-RPC.
func (r *containerRuntime) spawn(ctx context.Context, name, image string, cmd []string, env map[string]string) (*attachedContainer, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	cfg := &dockercontainer.Config{
		Image:        image,
		Cmd:          cmd,
		Env:          envList,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // no TTY: JSON-RPC framing must not be mangled
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, &dockercontainer.HostConfig{AutoRemove: true}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create tool server container %s: %w", name, err)
	}

	attachResp, err := r.cli.ContainerAttach(ctx, resp.ID, dockercontainer.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach tool server container %s: %w", name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		attachResp.Close()
		return nil, fmt.Errorf("start tool server container %s: %w", name, err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		demultiplex(attachResp.Reader, stdoutWriter, r.log)
	}()

	r.log.Info("tool server container started", zap.String("name", name), zap.String("image", image))

	return &attachedContainer{
		ID:     resp.ID,
		Stdin:  attachResp.Conn,
		Stdout: stdoutReader,
		conn:   attachResp.Conn,
	}, nil
}

func (r *containerRuntime) stop(id string) {
	timeout := 5
	_ = r.cli.ContainerStop(context.Background(), id, dockercontainer.StopOptions{Timeout: &timeout})
}

// demultiplex strips Docker's 8-byte stream-multiplexing header (byte 0 =
// stream type, bytes 4-7 = big-endian frame size) emitted when Tty is false,
// forwarding stdout and stderr frames to writer.
func demultiplex(reader io.Reader, writer io.Writer, log *logger.Logger) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			if _, err := writer.Write(data); err != nil {
				return
			}
		}
	}
}
