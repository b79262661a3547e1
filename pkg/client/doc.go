/*
Package client is a small HTTP client for the kube9 API, used by the CLI and
by the node agent.

Every method maps to one API route and returns the decoded resource. Non-2xx
responses come back as *APIError carrying the status code, the server's
message and its request id:

	c := client.NewClient("localhost:8080")
	pod, err := c.CreatePod(ctx, types.PodSpec{Name: "web", CPUReq: 2})
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		// apiErr.Pod is the pending pod
	}
*/
package client
