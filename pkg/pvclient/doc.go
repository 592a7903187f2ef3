// Package pvclient is a Go client for the epics-archiver-mcp NATS responder.
//
// It sends the same requests an agent makes over MCP (PV data and PV
// statistics) as NATS request-reply calls and decodes the replies.
//
// # Installation
//
//	go get github.com/gftdcojp/epics-archiver-mcp/pkg/pvclient
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := pvclient.New(pvclient.Config{NC: nc})
//
//	data, _ := client.GetData(ctx, pvclient.DataRequest{
//		PVName:    "SR:C01-BI{DCCT:1}I:Real-I",
//		StartTime: "2024-01-01T00:00:00Z",
//		EndTime:   "2024-01-02T00:00:00Z",
//	})
//	fmt.Println(data.Count, data.Values)
//
// # Subjects
//
//	archiver.data   get_pv_data, JSON body {pv_name, start_time, end_time, max_samples}
//	archiver.stats  get_pv_statistics, JSON body {pv_name, start_time, end_time, channel}
//
// The prefix defaults to "archiver" and can be changed with
// [Config.SubjectPrefix].
package pvclient
