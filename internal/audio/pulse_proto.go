package audio

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jfreymuth/pulse/proto"
)

// Subscription event bits of the native protocol
const (
	eventFacilityMask = 0x0f
	eventSinkInput    = 0x02
	eventTypeMask     = 0x30
	eventNew          = 0x00
	eventChange       = 0x10
	eventRemove       = 0x20

	// errNoEntity is PA_ERR_NOENTITY
	errNoEntity proto.Error = 5
)

// protoClient talks to the sound server over its native protocol
type protoClient struct {
	client *proto.Client
	conn   net.Conn
}

func dialPulse(server string) (pulseClient, error) {
	client, conn, err := proto.Connect(server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sound server: %w", err)
	}

	c := &protoClient{client: client, conn: conn}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("FocusDucker"),
		},
	}
	reply := proto.SetClientNameReply{}
	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register client name: %w", translateError(err))
	}
	return c, nil
}

// translateError maps server error replies onto ErrStaleHandle and
// errRejected; anything else is a transport failure
func translateError(err error) error {
	var perr proto.Error
	if errors.As(err, &perr) {
		if perr == errNoEntity {
			return fmt.Errorf("%w: %v", ErrStaleHandle, err)
		}
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	return err
}

// do runs a request, giving up when ctx is done. proto requests cannot be
// cancelled, so an abandoned one finishes in the background.
func (c *protoClient) do(ctx context.Context, request func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- request()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return translateError(err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *protoClient) SinkInputs(ctx context.Context) ([]sinkInput, error) {
	reply := proto.GetSinkInputInfoListReply{}
	if err := c.do(ctx, func() error {
		return c.client.Request(&proto.GetSinkInputInfoList{}, &reply)
	}); err != nil {
		return nil, err
	}

	inputs := make([]sinkInput, 0, len(reply))
	for _, info := range reply {
		props := make(map[string]string, len(info.Properties))
		for key, value := range info.Properties {
			props[key] = value.String()
		}
		volumes := make([]uint32, 0, len(info.ChannelVolumes))
		volumes = append(volumes, info.ChannelVolumes...)

		inputs = append(inputs, sinkInput{
			Index:   info.SinkInputIndex,
			Corked:  info.Corked,
			Volumes: volumes,
			Props:   props,
		})
	}
	return inputs, nil
}

func (c *protoClient) SetSinkInputVolume(ctx context.Context, index uint32, volumes []uint32) error {
	request := proto.SetSinkInputVolume{
		SinkInputIndex: index,
		ChannelVolumes: volumes,
	}
	return c.do(ctx, func() error {
		return c.client.Request(&request, nil)
	})
}

func (c *protoClient) Subscribe(ctx context.Context, handler func(kind EventKind, index uint32)) error {
	c.client.Callback = func(msg interface{}) {
		ev, ok := msg.(*proto.SubscribeEvent)
		if !ok {
			return
		}
		if kind, ok := subscriptionKind(uint32(ev.Event)); ok {
			handler(kind, ev.Index)
		}
	}

	return c.do(ctx, func() error {
		return c.client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSinkInput}, nil)
	})
}

// subscriptionKind maps a raw subscription event onto an EventKind. ok is
// false for facilities other than sink inputs.
func subscriptionKind(event uint32) (EventKind, bool) {
	if event&eventFacilityMask != eventSinkInput {
		return "", false
	}
	switch event & eventTypeMask {
	case eventNew:
		return SessionCreated, true
	case eventChange:
		return SessionStateChanged, true
	case eventRemove:
		return SessionDisconnected, true
	}
	return "", false
}

func (c *protoClient) Ping(ctx context.Context) error {
	reply := proto.GetServerInfoReply{}
	return c.do(ctx, func() error {
		return c.client.Request(&proto.GetServerInfo{}, &reply)
	})
}

func (c *protoClient) Close() error {
	return c.conn.Close()
}
