package chain

func init() {
	Register("BTC", Mainnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Decimals: 8,

		CoinType:       0,
		DefaultPurpose: 84, // bc1q...

		PubKeyHashAddrID: 0x00,
		ScriptHashAddrID: 0x05,
		Bech32HRP:        "bc",
		WIF:              0x80,

		HDPrivateKeyID: [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:  [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub

		DustLimit: 330,
	})

	// testnet3
	Register("BTC", Testnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin Testnet",
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "tb",
		WIF:              0xEF,

		HDPrivateKeyID: [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:  [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		DustLimit: 330,
	})
}
