package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/beamdrop/beamdrop/internal/peer"
	"github.com/beamdrop/beamdrop/pkg/signaling"
)

var (
	version   = "0.1.0"
	serverURL string
	name      string
	stun      []string
	outDir    string
)

var rootCmd = &cobra.Command{
	Use:   "beamdrop",
	Short: "Beamdrop peer",
	Long:  `Beamdrop - send a file directly to another machine over an encrypted WebRTC data channel, paired through a beamdrop signaling server`,
}

var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Create a session and send a file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSend(args[0])
	},
}

var recvCmd = &cobra.Command{
	Use:   "recv [join-code]",
	Short: "Join a session and receive a file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRecv(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("beamdrop v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "ws://localhost:8080/ws", "signaling server URL")
	rootCmd.PersistentFlags().StringVar(&name, "name", "", "display name shown to the peer (default is the hostname)")
	rootCmd.PersistentFlags().StringSliceVar(&stun, "stun", nil, "STUN server URLs (default stun:stun.l.google.com:19302)")
	recvCmd.Flags().StringVar(&outDir, "out", ".", "directory to write the received file into")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSend(path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read %s: %v\n", path, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := signaling.Dial(ctx, serverURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot reach signaling server: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	clientID := uuid.NewString()
	created, err := client.CreateSession(ctx, clientID, displayName())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Create session failed: %v\n", err)
		os.Exit(1)
	}

	code := created.SessionID + "." + created.Token
	fmt.Println("Session ready. On the receiving machine run:")
	fmt.Println()
	fmt.Printf("  beamdrop recv %s\n", code)
	fmt.Println()
	fmt.Println("or scan:")
	fmt.Println()
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	fmt.Println()
	fmt.Printf("The invite expires at %s. Waiting for your peer...\n",
		time.UnixMilli(created.ExpiresAt).Format(time.Kitchen))

	peerInfo, err := waitForPeer(ctx, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No peer joined: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s joined.\n", peerLabel(peerInfo))

	ep, err := peer.NewEndpoint(peer.Config{
		Client:      client,
		Role:        peer.RoleCreator,
		SessionID:   created.SessionID,
		ClientID:    clientID,
		PeerID:      peerInfo.PeerID,
		STUNServers: stun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebRTC setup failed: %v\n", err)
		os.Exit(1)
	}
	defer ep.Close()
	go routeSignals(client, ep)

	if err := ep.Offer(); err != nil {
		fmt.Fprintf(os.Stderr, "Negotiation failed: %v\n", err)
		os.Exit(1)
	}

	tr, err := ep.OpenTransfer(ctx, peer.TransferOptions{OnProgress: printProgress})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to peer: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	fp, err := tr.Fingerprint(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key exchange failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pairing code: %s (must match on the receiving machine)\n", fp)

	if err := tr.SendFile(ctx, path); err != nil {
		fmt.Fprintf(os.Stderr, "\nTransfer failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nSent %s.\n", filepath.Base(path))
	client.CloseSession(created.SessionID, "transfer complete")
}

func runRecv(code string) {
	sessionID, token, ok := strings.Cut(code, ".")
	if !ok || sessionID == "" || token == "" {
		fmt.Fprintln(os.Stderr, "Join code must look like <session-id>.<token>")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := signaling.Dial(ctx, serverURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot reach signaling server: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	clientID := uuid.NewString()
	peerInfo, err := client.JoinSession(ctx, sessionID, token, clientID, displayName())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Join failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Joined %s. Connecting...\n", peerLabel(peerInfo))

	ep, err := peer.NewEndpoint(peer.Config{
		Client:      client,
		Role:        peer.RoleJoiner,
		SessionID:   sessionID,
		ClientID:    clientID,
		PeerID:      peerInfo.PeerID,
		STUNServers: stun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebRTC setup failed: %v\n", err)
		os.Exit(1)
	}
	defer ep.Close()
	go routeSignals(client, ep)

	tr, err := ep.OpenTransfer(ctx, peer.TransferOptions{
		ReceiveDir: outDir,
		OnProgress: printProgress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to peer: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	fp, err := tr.Fingerprint(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key exchange failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pairing code: %s (must match on the sending machine)\n", fp)

	rec, err := tr.Receive(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nTransfer failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nReceived %s (%s) into %s\n", rec.Name, byteCount(rec.Size), rec.Path)
	client.CloseSession(sessionID, "transfer complete")
}

// waitForPeer blocks until the joiner arrives.
func waitForPeer(ctx context.Context, client *signaling.Client) (signaling.PeerPayload, error) {
	for {
		select {
		case env, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil {
					return signaling.PeerPayload{}, err
				}
				return signaling.PeerPayload{}, signaling.ErrConnectionClosed
			}
			if env.Type != signaling.TypePeerJoined {
				continue
			}
			var p signaling.PeerPayload
			if err := env.DecodePayload(&p); err != nil {
				return signaling.PeerPayload{}, err
			}
			return p, nil
		case <-ctx.Done():
			return signaling.PeerPayload{}, ctx.Err()
		}
	}
}

// routeSignals feeds relayed negotiation messages into the endpoint.
// Lifecycle notifications are ignored here: once the data channel is
// up the transfer no longer depends on the signaling session.
func routeSignals(client *signaling.Client, ep *peer.Endpoint) {
	for env := range client.Events() {
		switch env.Type {
		case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
			if err := ep.HandleSignal(env); err != nil {
				fmt.Fprintf(os.Stderr, "Signaling error: %v\n", err)
			}
		}
	}
}

func displayName() string {
	if name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "beamdrop"
	}
	return host
}

func peerLabel(p signaling.PeerPayload) string {
	if p.PeerDisplayName != "" {
		return p.PeerDisplayName
	}
	if len(p.PeerID) > 8 {
		return "peer " + p.PeerID[:8]
	}
	return "peer"
}

func printProgress(done, total int64) {
	if total <= 0 {
		return
	}
	fmt.Printf("\r%3d%% (%s of %s)", done*100/total, byteCount(done), byteCount(total))
}

func byteCount(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
