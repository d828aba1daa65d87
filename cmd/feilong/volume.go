package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/haoxy000/feilong/internal/smt"
	"github.com/haoxy000/feilong/internal/volume"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Attach and detach FCP volumes",
}

var volumeAttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a volume to a guest",
	Long: `Attach a volume to a guest.

The FCP devices get one more connection each. Devices used for the first
time are dedicated to the guest, then the volume is configured inside the
guest. A root volume only updates the FCP records. On failure every step
already taken is undone.`,
	Run: runVolumeAttach,
}

var volumeDetachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Detach a volume from a guest",
	Long: `Detach a volume from a guest.

The FCP devices lose one connection each. Unless --root or
--connections-only is given, the volume is removed inside the guest and the
devices without connection are undedicated.`,
	Run: runVolumeDetach,
}

var volumeConnectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Show the volume connector of a guest",
	Long: `Show the FCP devices, WWPNs and host of a guest as JSON.

With --reserve new devices are allocated and reserved when the guest has
none yet. Without it the devices are released when no volume uses them.`,
	Run: runVolumeConnector,
}

var volumeBootmapCmd = &cobra.Command{
	Use:   "refresh-bootmap",
	Short: "Refresh the boot map of a root volume",
	Run:   runVolumeBootmap,
}

func init() {
	volumeCmd.AddCommand(volumeAttachCmd)
	volumeCmd.AddCommand(volumeDetachCmd)
	volumeCmd.AddCommand(volumeConnectorCmd)
	volumeCmd.AddCommand(volumeBootmapCmd)

	for _, c := range []*cobra.Command{volumeAttachCmd, volumeDetachCmd} {
		c.Flags().StringSlice("fcp", nil, "FCP devices, one per path (e.g. 1a00,1b00)")
		c.Flags().StringSlice("wwpn", nil, "Target storage WWPNs")
		c.Flags().String("lun", "", "Target LUN")
		c.Flags().String("userid", "", "Guest userid")
		c.Flags().Bool("multipath", false, "Volume is reached over multiple paths")
		c.Flags().String("os-version", "", "Guest distribution, e.g. rhel7.2")
		c.Flags().String("mount-point", "", "Device path of the volume in the guest")
		c.Flags().Bool("root", false, "Root volume, only update the FCP records")
		c.Flags().String("file", "", "Read the connection info from a JSON file ('-' for stdin)")
	}
	volumeDetachCmd.Flags().Bool("connections-only", false, "Only update the FCP records")

	volumeConnectorCmd.Flags().String("userid", "", "Guest userid")
	volumeConnectorCmd.Flags().Bool("reserve", false, "Reserve devices for the guest")
	volumeConnectorCmd.MarkFlagRequired("userid")

	volumeBootmapCmd.Flags().StringSlice("fcp", nil, "FCP channels of the root volume")
	volumeBootmapCmd.Flags().StringSlice("wwpn", nil, "Target WWPNs")
	volumeBootmapCmd.Flags().String("lun", "", "Target LUN")
	volumeBootmapCmd.Flags().String("wwid", "", "WWID of the volume")
	volumeBootmapCmd.Flags().String("transportfiles", "", "Transport file to pass to the guest")
	volumeBootmapCmd.MarkFlagRequired("fcp")
	volumeBootmapCmd.MarkFlagRequired("wwpn")
	volumeBootmapCmd.MarkFlagRequired("lun")
}

// connectionInfo builds the request from --file or from the flags
func connectionInfo(cmd *cobra.Command) (*volume.ConnectionInfo, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		var r io.Reader = os.Stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		var info volume.ConnectionInfo
		if err := json.NewDecoder(r).Decode(&info); err != nil {
			return nil, fmt.Errorf("parsing connection info: %w", err)
		}
		return &info, nil
	}

	info := &volume.ConnectionInfo{}
	info.FCPs, _ = cmd.Flags().GetStringSlice("fcp")
	info.TargetWWPNs, _ = cmd.Flags().GetStringSlice("wwpn")
	info.TargetLUN, _ = cmd.Flags().GetString("lun")
	info.AssignerID, _ = cmd.Flags().GetString("userid")
	multipath, _ := cmd.Flags().GetBool("multipath")
	info.Multipath = strconv.FormatBool(multipath)
	info.OSVersion, _ = cmd.Flags().GetString("os-version")
	info.MountPoint, _ = cmd.Flags().GetString("mount-point")
	info.IsRootVolume, _ = cmd.Flags().GetBool("root")
	if f := cmd.Flags().Lookup("connections-only"); f != nil {
		info.UpdateConnectionsOnly, _ = cmd.Flags().GetBool("connections-only")
	}

	if len(info.FCPs) == 0 || info.AssignerID == "" {
		return nil, fmt.Errorf("--fcp and --userid are required")
	}
	return info, nil
}

func runVolumeAttach(cmd *cobra.Command, args []string) {
	info, err := connectionInfo(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	a := mustApp(cmd)
	defer a.Close()

	if err := a.volumes.Attach(info); err != nil {
		a.fatalf("attach failed: %v", err)
	}
	fmt.Printf("Volume %s attached to %s on FCP %v\n", info.TargetLUN, info.AssignerID, info.FCPs)
}

func runVolumeDetach(cmd *cobra.Command, args []string) {
	info, err := connectionInfo(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	a := mustApp(cmd)
	defer a.Close()

	if err := a.volumes.Detach(info); err != nil {
		a.fatalf("detach failed: %v", err)
	}
	fmt.Printf("Volume %s detached from %s on FCP %v\n", info.TargetLUN, info.AssignerID, info.FCPs)
}

func runVolumeConnector(cmd *cobra.Command, args []string) {
	userid, _ := cmd.Flags().GetString("userid")
	reserve, _ := cmd.Flags().GetBool("reserve")

	a := mustApp(cmd)
	defer a.Close()

	connector, err := a.volumes.GetVolumeConnector(userid, reserve)
	if err != nil {
		a.fatalf("getting volume connector: %v", err)
	}
	printJSON(os.Stdout, connector)
}

func runVolumeBootmap(cmd *cobra.Command, args []string) {
	req := &smt.BootmapRequest{}
	req.FCPChannels, _ = cmd.Flags().GetStringSlice("fcp")
	req.WWPNs, _ = cmd.Flags().GetStringSlice("wwpn")
	req.LUN, _ = cmd.Flags().GetString("lun")
	req.WWID, _ = cmd.Flags().GetString("wwid")
	req.TransportFiles, _ = cmd.Flags().GetString("transportfiles")

	a := mustApp(cmd)
	defer a.Close()

	out, err := a.volumes.RefreshBootmap(req)
	if err != nil {
		a.fatalf("refreshing boot map: %v", err)
	}
	for _, line := range out {
		fmt.Println(line)
	}
}

func printJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
