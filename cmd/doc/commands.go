package doc

import (
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	catCmd = &cobra.Command{
		Use:   "cat [doc]",
		Short: "Prints the content of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := util.OpenFacade(cmd.Context(), util.GetClientConfig(), args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			fmt.Println(f.Content())

			if viper.GetBool("stats") {
				stats, err := crdt.InspectUpdate(f.Snapshot())
				if err != nil {
					return err
				}
				fmt.Printf("-- %d characters, %d inserts, %d deletes, %d replicas\n",
					utf8.RuneCountInString(f.Content()), stats.Inserts, stats.Deletes, len(f.StateVector()))
			}
			return nil
		},
	}
	insertCmd = &cobra.Command{
		Use:   "insert [doc] [pos] [text]",
		Short: "Inserts text at a character position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("pos must be a number: %w", err)
			}
			return mutate(cmd, args[0], crdt.Insert(pos, args[2]))
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [doc] [pos] [count]",
		Short: "Deletes count characters starting at pos",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("pos must be a number: %w", err)
			}
			n, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("count must be a number: %w", err)
			}
			return mutate(cmd, args[0], crdt.Delete(pos, n))
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [doc]",
		Short: "Prints the document on every remote change and shows who is connected",
		Args:  cobra.ExactArgs(1),
		RunE:  watch,
	}
)

func init() {
	catCmd.Flags().Bool("stats", false, util.WrapString("Also print the operation history summary of the document"))
	watchCmd.Flags().String("name", "", util.WrapString("Name published in the awareness entry of this client"))
}

// mutate applies m to the document. Close flushes the update to the server.
func mutate(cmd *cobra.Command, docID string, m crdt.Mutation) error {
	f, err := util.OpenFacade(cmd.Context(), util.GetClientConfig(), docID)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.MutateLocal(m); err != nil {
		return err
	}
	fmt.Println(f.Content())
	return nil
}

func watch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := client.New(util.GetClientConfig(), args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	closed := make(chan struct{})
	var once sync.Once
	f.OnStateChange(func(s client.ConnState) {
		fmt.Printf("-- %s\n", s)
		if s == client.StateClosed {
			once.Do(func() { close(closed) })
		}
	})
	f.OnRemoteUpdate(func(crdt.Update) {
		fmt.Printf("-- content\n%s\n", f.Content())
	})
	f.OnAwarenessChange(func(awareness.Change) {
		fmt.Println("-- connected")
		for _, e := range f.States() {
			fmt.Printf("   %d %v\n", e.ClientID, e.Fields)
		}
	})
	if name := viper.GetString("name"); name != "" {
		f.SetLocalAwareness(awareness.Fields{"name": name})
	}
	f.Start()

	select {
	case <-ctx.Done():
	case <-closed:
	}
	return f.Err()
}
