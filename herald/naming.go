package herald

import (
	"fmt"
	"math/rand/v2"
)

// Application name and instance id.
type Identity struct {
	Name string // shared by all instances of the application
	Uid  string // one instance
}

func (i Identity) String() string {
	return i.Name + "/" + i.Uid
}

func (i Identity) RpcIn() string {
	return RpcIn(i.Name)
}

func (i Identity) RpcInInstance() string {
	return RpcInInstance(i.Name, i.Uid)
}

func (i Identity) RpcRes() string {
	return RpcRes(i.Name)
}

func (i Identity) RpcResInstance() string {
	return RpcResInstance(i.Name, i.Uid)
}

// Generate instance id for the application, e.g., billing_48210937.
func NewUid(name string) string {
	return fmt.Sprintf("%s_%08d", name, rand.IntN(100_000_000))
}

// Shared queue of requests to any instance.
func RpcIn(app string) string {
	return app + ".rpc.in"
}

// Exclusive queue of requests to one instance.
func RpcInInstance(app string, uid string) string {
	return app + ".rpc.in." + uid
}

// Shared queue of responses.
func RpcRes(app string) string {
	return app + ".rpc.res"
}

// Exclusive queue of responses to one instance, also the reply-to address.
func RpcResInstance(app string, uid string) string {
	return app + ".rpc.res." + uid
}

// Shared queue of events emitted by emitter.
func EventForApp(app string, emitter string) string {
	return app + ".event." + emitter
}

// Exclusive queue of events emitted by emitter.
func EventForInstance(app string, uid string, emitter string) string {
	return app + ".event." + uid + "." + emitter
}

// Routing key of requests to any instance of app.
func RouteApp(app string) string {
	return app
}

// Routing key of requests to every instance of app.
func RouteBroadcast(app string) string {
	return app + "-all"
}

// Routing key of requests to one instance of app.
func RouteInstance(app string, uid string) string {
	return app + "." + uid
}

// Routing key of event emitted by app.
func RouteEvent(app string, event string) string {
	return app + "." + event
}
