package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/fcp"
)

var fcpCmd = &cobra.Command{
	Use:   "fcp",
	Short: "Inspect and manage the FCP device pool",
	Long: `Inspect and manage the persistent FCP usage records.

Each record tracks the guest a device is assigned to, whether it is
reserved and how many volumes use it.`,
}

var fcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List FCP usage records",
	Run:   runFCPList,
}

var fcpShowCmd = &cobra.Command{
	Use:   "show <fcp>",
	Short: "Show the usage and recent events of one FCP device",
	Args:  cobra.ExactArgs(1),
	Run:   runFCPShow,
}

var fcpSetCmd = &cobra.Command{
	Use:   "set <fcp>",
	Short: "Overwrite the usage of one FCP device",
	Args:  cobra.ExactArgs(1),
	Run:   runFCPSet,
}

var fcpReserveCmd = &cobra.Command{
	Use:   "reserve",
	Short: "Reserve one FCP device for a guest",
	Long: `Reserve one FCP device for a guest.

A device the guest already holds is reserved again. Otherwise the first free
device is assigned to the guest.`,
	Run: runFCPReserve,
}

var fcpSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the FCP records with the hypervisor inventory",
	Long: `Query the hypervisor for the FCP devices and reconcile the database.

This command:
  - Adds free devices of fcp_list that have no record yet
  - Moves records to their current path
  - Removes records of devices gone from fcp_list unless still in use`,
	Run: runFCPSync,
}

var fcpInventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Show the live FCP inventory of the hypervisor",
	Run:   runFCPInventory,
}

var fcpExpandCmd = &cobra.Command{
	Use:   "expand <fcp_list>",
	Short: "Expand an fcp_list expression into paths",
	Args:  cobra.ExactArgs(1),
	Run:   runFCPExpand,
}

var fcpEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent FCP usage events",
	Run:   runFCPEvents,
}

func init() {
	fcpCmd.AddCommand(fcpListCmd)
	fcpCmd.AddCommand(fcpShowCmd)
	fcpCmd.AddCommand(fcpSetCmd)
	fcpCmd.AddCommand(fcpReserveCmd)
	fcpCmd.AddCommand(fcpSyncCmd)
	fcpCmd.AddCommand(fcpInventoryCmd)
	fcpCmd.AddCommand(fcpExpandCmd)
	fcpCmd.AddCommand(fcpEventsCmd)

	fcpListCmd.Flags().String("userid", "", "Only records assigned to this guest")
	fcpListCmd.Flags().Bool("by-path", false, "Group records by path")
	fcpListCmd.Flags().Bool("json", false, "Output as JSON")

	fcpShowCmd.Flags().Int("limit", 10, "Maximum number of events to show")

	fcpSetCmd.Flags().String("userid", "", "Guest the device is assigned to")
	fcpSetCmd.Flags().Bool("reserved", false, "Reserved flag")
	fcpSetCmd.Flags().Int("connections", 0, "Connection count")

	fcpReserveCmd.Flags().String("userid", "", "Guest to reserve the device for")
	fcpReserveCmd.MarkFlagRequired("userid")

	fcpSyncCmd.Flags().String("userid", "", "Guest used for the inventory query")
	fcpInventoryCmd.Flags().String("userid", "", "Guest used for the inventory query")
	fcpInventoryCmd.Flags().Bool("json", false, "Output as JSON")

	fcpEventsCmd.Flags().Int("limit", 50, "Maximum number of events to show")
	fcpEventsCmd.Flags().String("fcp", "", "Only events of this device")
}

func runFCPList(cmd *cobra.Command, args []string) {
	userid, _ := cmd.Flags().GetString("userid")
	byPath, _ := cmd.Flags().GetBool("by-path")
	jsonOut, _ := cmd.Flags().GetBool("json")

	a := mustApp(cmd)
	defer a.Close()

	if byPath {
		grouped, err := a.volumes.GetAllFCPUsageGroupedByPath(strings.ToUpper(userid))
		if err != nil {
			a.fatalf("querying FCP usage: %v", err)
		}
		if jsonOut {
			printJSON(os.Stdout, grouped)
			return
		}
		printPaths(os.Stdout, grouped)
		return
	}

	records, err := a.store.GetAllOfAssigner(strings.ToUpper(userid))
	if err != nil {
		a.fatalf("querying FCP usage: %v", err)
	}
	if jsonOut {
		printJSON(os.Stdout, records)
		return
	}
	if len(records) == 0 {
		fmt.Println("No FCP records. Run 'feilong fcp sync' to populate.")
		return
	}
	printRecords(os.Stdout, records)
}

func runFCPShow(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	fcpID := strings.ToLower(args[0])

	a := mustApp(cmd)
	defer a.Close()

	if _, err := a.volumes.CheckFCPExistInDB(fcpID, true); err != nil {
		a.fatalf("%v", err)
	}
	rec, err := a.store.GetFromFCP(fcpID)
	if err != nil || rec == nil {
		a.fatalf("querying FCP %s: %v", fcpID, err)
	}

	fmt.Printf("FCP:         %s\n", rec.FCPID)
	fmt.Printf("Path:        %d\n", rec.Path)
	fmt.Printf("Assigner:    %s\n", valueOr(rec.AssignerID, "-"))
	fmt.Printf("Reserved:    %t\n", rec.Reserved)
	fmt.Printf("Connections: %d\n", rec.Connections)

	events, err := a.store.EventsOfFCP(fcpID, limit)
	if err != nil {
		a.fatalf("querying events: %v", err)
	}
	if len(events) > 0 {
		fmt.Println()
		printEvents(os.Stdout, events)
	}
}

func runFCPSet(cmd *cobra.Command, args []string) {
	userid, _ := cmd.Flags().GetString("userid")
	reserved, _ := cmd.Flags().GetBool("reserved")
	connections, _ := cmd.Flags().GetInt("connections")

	a := mustApp(cmd)
	defer a.Close()

	if err := a.volumes.SetFCPUsage(args[0], userid, reserved, connections); err != nil {
		a.fatalf("setting FCP usage: %v", err)
	}
	u, err := a.volumes.GetFCPUsage(args[0])
	if err != nil {
		a.fatalf("querying FCP usage: %v", err)
	}
	fmt.Printf("FCP %s: assigner=%s reserved=%t connections=%d\n",
		strings.ToLower(args[0]), valueOr(u.AssignerID, "-"), u.Reserved, u.Connections)
}

func runFCPReserve(cmd *cobra.Command, args []string) {
	userid, _ := cmd.Flags().GetString("userid")

	a := mustApp(cmd)
	defer a.Close()

	fcpID, err := a.pool.FindAndReserve(strings.ToUpper(userid))
	if err != nil {
		a.fatalf("reserving FCP: %v", err)
	}
	if fcpID == "" {
		a.fatalf("no free FCP device left for %s", strings.ToUpper(userid))
	}
	fmt.Printf("FCP %s reserved for %s\n", fcpID, strings.ToUpper(userid))
}

func runFCPSync(cmd *cobra.Command, args []string) {
	userid, _ := cmd.Flags().GetString("userid")

	a := mustApp(cmd)
	defer a.Close()

	if !a.pool.Enabled() {
		fmt.Println("fcp_list is empty, nothing to sync.")
		return
	}
	if err := a.pool.InitFCP(strings.ToUpper(userid)); err != nil {
		a.fatalf("syncing FCP pool: %v", err)
	}
	records, err := a.store.GetAll()
	if err != nil {
		a.fatalf("querying FCP usage: %v", err)
	}
	fmt.Printf("Sync complete: %d devices in pool, %d records\n", len(a.pool.Pool()), len(records))
}

func runFCPInventory(cmd *cobra.Command, args []string) {
	userid, _ := cmd.Flags().GetString("userid")
	jsonOut, _ := cmd.Flags().GetBool("json")

	a := mustApp(cmd)
	defer a.Close()

	all, err := a.pool.AllPool(strings.ToUpper(userid))
	if err != nil {
		a.fatalf("querying FCP inventory: %v", err)
	}
	devices := make([]*fcp.Device, 0, len(all))
	for _, dev := range all {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DevNo < devices[j].DevNo })

	if jsonOut {
		printJSON(os.Stdout, devices)
		return
	}
	printDevices(os.Stdout, devices)
}

func runFCPExpand(cmd *cobra.Command, args []string) {
	mapping, err := fcp.ExpandFCPList(args[0])
	if err != nil {
		fatalf("%v", err)
	}
	printMapping(os.Stdout, mapping)
}

func runFCPEvents(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	fcpID, _ := cmd.Flags().GetString("fcp")

	a := mustApp(cmd)
	defer a.Close()

	var events []*db.Event
	var err error
	if fcpID != "" {
		events, err = a.store.EventsOfFCP(strings.ToLower(fcpID), limit)
	} else {
		events, err = a.store.RecentEvents(limit)
	}
	if err != nil {
		a.fatalf("querying events: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return
	}
	printEvents(os.Stdout, events)
}

func printRecords(w io.Writer, records []*db.FCPRecord) {
	table := tablewriter.NewTable(w)
	table.Header("FCP", "PATH", "ASSIGNER", "RESERVED", "CONNECTIONS")
	for _, r := range records {
		table.Append(r.FCPID, strconv.Itoa(r.Path), valueOr(r.AssignerID, "-"),
			strconv.FormatBool(r.Reserved), strconv.Itoa(r.Connections))
	}
	table.Render()
}

func printPaths(w io.Writer, grouped map[int][]*db.FCPRecord) {
	paths := make([]int, 0, len(grouped))
	for p := range grouped {
		paths = append(paths, p)
	}
	sort.Ints(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "Path %d:\n", p)
		printRecords(w, grouped[p])
	}
}

func printDevices(w io.Writer, devices []*fcp.Device) {
	table := tablewriter.NewTable(w)
	table.Header("FCP", "STATUS", "CHPID", "NPIV WWPN", "PHYSICAL WWPN")
	for _, d := range devices {
		table.Append(d.DevNo, d.Status, d.CHPID, valueOr(d.NPIVPort, "-"), valueOr(d.PhysicalPort, "-"))
	}
	table.Render()
}

func printMapping(w io.Writer, mapping fcp.PathMapping) {
	for _, p := range mapping.Paths() {
		fmt.Fprintf(w, "path %d: %s\n", p, strings.Join(mapping[p], ","))
	}
}

func printEvents(w io.Writer, events []*db.Event) {
	table := tablewriter.NewTable(w)
	table.Header("TIME", "FCP", "EVENT", "ASSIGNER", "CONNECTIONS", "RESERVED", "OP")
	for _, e := range events {
		op := e.OpID
		if len(op) > 8 {
			op = op[:8]
		}
		table.Append(e.Timestamp.Format("2006-01-02 15:04:05"), e.FCPID, e.EventType,
			valueOr(e.AssignerID, "-"), strconv.Itoa(e.Connections), strconv.FormatBool(e.Reserved), valueOr(op, "-"))
	}
	table.Render()
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
