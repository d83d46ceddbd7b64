package cli

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/config"
	"github.com/unidata/ldm7up/internal/logger"
	"github.com/unidata/ldm7up/internal/mcast"
	"github.com/unidata/ldm7up/internal/model"
	"github.com/unidata/ldm7up/internal/policy"
	"github.com/unidata/ldm7up/internal/prodindex"
	"github.com/unidata/ldm7up/internal/productqueue"
	"github.com/unidata/ldm7up/internal/session"
	"github.com/unidata/ldm7up/internal/vcircuit"
)

// buildSessionDeps wires every collaborator named in the engine config into
// a session.Deps, ready for session.New.
func buildSessionDeps(cfg *config.Config, peerHostID string, peerAddr net.IP, log logger.Logger) (session.Deps, error) {
	pol, err := policy.NewClient(cfg.Engine.PolicyFile, model.StandardFeedNames)
	if err != nil {
		return session.Deps{}, errors.Wrap(err, "load policy file")
	}

	vc := vcircuit.NewProvisioner(cfg.Engine.ProvisionScript, cfg.Engine.ProvisionPrivUID, cfg.Engine.ProvisionPrivGID, log.WithField("component", "vcircuit"))
	mc := mcast.NewClient(cfg.Engine.McastManagerAddr)

	localEnd := model.VcEndpoint{
		Switch: cfg.Engine.LocalVcEndpoint.Switch,
		Port:   cfg.Engine.LocalVcEndpoint.Port,
		Vlan:   cfg.Engine.LocalVcEndpoint.Vlan,
	}

	return session.Deps{
		Policy: pol,
		VC:     vc,
		Mcast:  mc,
		OpenProdIndex: func(ctx context.Context, feed model.FeedSet) (prodindex.Map, error) {
			return prodindex.OpenForReading(ctx, cfg.Engine.ProdIndexMapDir, feed)
		},
		OpenProdQueue: func() (productqueue.Queue, error) {
			return productqueue.Open(cfg.Engine.ProductQueuePath)
		},
		LocalVcEnd: localEnd,
		Workgroup:  cfg.Engine.Workgroup,
		PeerHostID: peerHostID,
		PeerAddr:   peerAddr,
		Log:        log,
	}, nil
}
