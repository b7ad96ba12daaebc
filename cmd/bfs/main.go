package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Nikita-Ting/bfs/client"
	"github.com/Nikita-Ting/bfs/helper"
)

var nameserverAddr string

func withClient(fn func(*client.Client) error) error {
	c, err := client.New(nameserverAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func checkStatus(status int) error {
	if status != helper.StatusOK {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "bfs",
		Short: "BFS command-line client",
	}
	root.PersistentFlags().StringVarP(&nameserverAddr, "nameserver", "n",
		"localhost"+helper.DefaultRPCAddr, "nameserver address")

	root.AddCommand(
		&cobra.Command{
			Use:   "touch <path>",
			Short: "create an empty file",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					status, err := c.CreateFile(args[0], 0, 0644)
					if err != nil {
						return err
					}
					return checkStatus(status)
				})
			},
		},
		&cobra.Command{
			Use:   "ls <path>",
			Short: "list a directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					files, status, err := c.ListDirectory(args[0])
					if err != nil {
						return err
					}
					if err := checkStatus(status); err != nil {
						return err
					}
					for _, f := range files {
						kind := "-"
						if f.IsDir {
							kind = "d"
						}
						fmt.Printf("%s %d\t%d\t%s\n", kind, f.Replicas, f.Size, f.Name)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <path>",
			Short: "unlink a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					status, err := c.Unlink(args[0])
					if err != nil {
						return err
					}
					return checkStatus(status)
				})
			},
		},
		&cobra.Command{
			Use:   "mv <old> <new>",
			Short: "rename a file",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					status, err := c.Rename(args[0], args[1])
					if err != nil {
						return err
					}
					return checkStatus(status)
				})
			},
		},
		&cobra.Command{
			Use:   "stat <path>",
			Short: "show file metadata",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					info, status, err := c.Stat(args[0])
					if err != nil {
						return err
					}
					if err := checkStatus(status); err != nil {
						return err
					}
					fmt.Printf("%s size=%d replicas=%d version=%d blocks=%v\n",
						info.Name, info.Size, info.Replicas, info.Version, info.Blocks)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "addblock <path>",
			Short: "allocate a block for an open file",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					block, status, err := c.AddBlock(args[0])
					if err != nil {
						return err
					}
					if err := checkStatus(status); err != nil {
						return err
					}
					fmt.Printf("#%d %v\n", block.BlockID, block.Chains)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "finishblock <block-id> <version>",
			Short: "seal a block at its final version",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				blockID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return err
				}
				version, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return err
				}
				return withClient(func(c *client.Client) error {
					status, err := c.FinishBlock(blockID, version)
					if err != nil {
						return err
					}
					return checkStatus(status)
				})
			},
		},
		&cobra.Command{
			Use:   "location <path>",
			Short: "show block locations",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					blocks, status, err := c.GetFileLocation(args[0])
					if err != nil {
						return err
					}
					if err := checkStatus(status); err != nil {
						return err
					}
					for _, b := range blocks {
						fmt.Printf("#%d size=%d %v\n", b.BlockID, b.BlockSize, b.Chains)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "setrep <path> <n>",
			Short: "change a file's replication factor",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return err
				}
				return withClient(func(c *client.Client) error {
					status, err := c.ChangeReplicaNum(args[0], int32(n))
					if err != nil {
						return err
					}
					return checkStatus(status)
				})
			},
		},
	)

	rmdir := &cobra.Command{
		Use:   "rmdir <path>",
		Short: "delete a directory",
		Args:  cobra.ExactArgs(1),
	}
	recursive := rmdir.Flags().BoolP("recursive", "r", false, "delete contents too")
	rmdir.RunE = func(_ *cobra.Command, args []string) error {
		return withClient(func(c *client.Client) error {
			status, err := c.DeleteDirectory(args[0], *recursive)
			if err != nil {
				return err
			}
			return checkStatus(status)
		})
	}
	root.AddCommand(rmdir)

	root.AddCommand(&cobra.Command{
		Use:   "sysstat",
		Short: "show cluster status",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(func(c *client.Client) error {
				reply, err := c.SysStat()
				if err != nil {
					return err
				}
				if err := checkStatus(reply.Status); err != nil {
					return err
				}
				fmt.Printf("nameserver %s\n", reply.InstanceID)
				for _, cs := range reply.ChunkServers {
					state := "alive"
					if !cs.Alive {
						state = "dead"
					}
					fmt.Printf("%d\t%s\t%s\tblocks=%d data=%d quota=%d\n",
						cs.ID, cs.Address, state, cs.BlockNum, cs.DataSize, cs.DiskQuota)
				}
				return nil
			})
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
