package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/messaging"
)

var (
	sendKind         string
	sendPath         string
	sendResourceType string
	sendDestPath     string
	sendContentType  string
	sendData         string
	sendFile         string
	sendProperties   map[string]string
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish one envelope",
	Long: `Publish one envelope to the configured destination and print the
confirmation as JSON.

Examples:
  relaymux send -c relaymux.yaml --kind create --path /db/apps/a.xml --data '<a/>'
  relaymux send -d queue/orders --file order.json --content-type application/json
  cat doc.xml | relaymux send --path /db/doc.xml --file -
  relaymux send --path /db/a.xml --property origin=backup --property batch=7`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendKind, "kind", string(core.EventUpdate), "event kind (create, update, delete, move, copy, metadata, generic)")
	f.StringVar(&sendPath, "path", "", "resource path the event is about")
	f.StringVar(&sendResourceType, "resource-type", string(core.ResourceDocument), "resource type: document or collection")
	f.StringVar(&sendDestPath, "destination-path", "", "target path of a move or copy")
	f.StringVar(&sendContentType, "content-type", "", "payload content type")
	f.StringVar(&sendData, "data", "", "payload")
	f.StringVar(&sendFile, "file", "", "read the payload from a file, - for stdin")
	f.StringToStringVar(&sendProperties, "property", nil, "message property key=value, repeatable")
	sendCmd.MarkFlagsMutuallyExclusive("data", "file")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	env, err := envelopeFromFlags(cmd.InOrStdin())
	if err != nil {
		return err
	}

	props := core.Properties{}
	for k, v := range sendProperties {
		props[k] = v
	}

	svc := messaging.NewService(messaging.WithLogger(logger))
	defer svc.Close(context.Background()) //nolint:errcheck

	conf, err := svc.Send(cmd.Context(), cfg.AsCaller(), env, props, cfg.Parameters())
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), conf)
}

func envelopeFromFlags(stdin io.Reader) (*core.Envelope, error) {
	kind, err := core.ParseEventKind(sendKind)
	if err != nil {
		return nil, err
	}

	payload := []byte(sendData)
	switch sendFile {
	case "":
	case "-":
		if payload, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
	default:
		if payload, err = os.ReadFile(sendFile); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}

	opts := []core.EnvelopeOption{core.WithResourceType(core.ParseResourceType(sendResourceType))}
	if sendDestPath != "" {
		opts = append(opts, core.WithDestinationPath(sendDestPath))
	}
	if sendContentType != "" {
		opts = append(opts, core.WithContentType(sendContentType))
	}
	return core.NewEnvelope(kind, sendPath, payload, opts...), nil
}

func writeJSON(w io.Writer, v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func writeJSONLine(w io.Writer, v any) error {
	out, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
