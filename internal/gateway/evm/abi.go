package evm

import (
	"github.com/osazeejedi/escrow-interact/internal/gateway"
)

// FactoryABI covers the factory surface used by the service
const FactoryABI = `[
	{"type":"function","name":"CreateNewEscrow","stateMutability":"nonpayable",
	 "inputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"price","type":"uint256"},{"name":"token","type":"address"}],
	 "outputs":[{"name":"escrow","type":"address"}]},
	{"type":"function","name":"getNumberofescrowMade","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getescrowClone","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address[]"}]},
	{"type":"event","name":"EscrowCreated","anonymous":false,
	 "inputs":[{"name":"escrow","type":"address","indexed":true},{"name":"buyer","type":"address","indexed":false},{"name":"seller","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false}]}
]`

// EscrowABI covers a single escrow instance
const EscrowABI = `[
	{"type":"function","name":"price","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"fee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"status","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"paidAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"buyer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"seller","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"BuyerSendPayment","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"dispute","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[{"name":"refundBuyer","type":"bool"}],"outputs":[]}
]`

const eventEscrowCreated = "EscrowCreated"

var factoryMethods = map[string]string{
	gateway.MethodCreateEscrow: "CreateNewEscrow",
	gateway.MethodEscrowCount:  "getNumberofescrowMade",
	gateway.MethodEscrows:      "getescrowClone",
}

var escrowMethods = map[string]string{
	gateway.MethodPrice:      "price",
	gateway.MethodFee:        "fee",
	gateway.MethodStatus:     "status",
	gateway.MethodPaidAmount: "paidAmount",
	gateway.MethodBuyer:      "buyer",
	gateway.MethodSeller:     "seller",
	gateway.MethodToken:      "token",
	gateway.MethodPay:        "BuyerSendPayment",
	gateway.MethodRelease:    "release",
	gateway.MethodDispute:    "dispute",
	gateway.MethodResolve:    "resolveDispute",
}
